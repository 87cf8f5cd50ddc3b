package pcrpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSetAndQuery(t *testing.T) {
	m := NewMask()
	assert.True(t, m.Empty())

	m.Set(0)
	m.Set(7)
	m.Set(10)
	m.Set(23)

	assert.True(t, m.IsSet(0))
	assert.True(t, m.IsSet(7))
	assert.True(t, m.IsSet(10))
	assert.True(t, m.IsSet(23))
	assert.False(t, m.IsSet(1))
	assert.False(t, m.Empty())
	assert.Equal(t, []int{0, 7, 10, 23}, m.Indices())
}

func TestFullMask(t *testing.T) {
	m := FullMask()
	for i := 0; i < NumPCRs; i++ {
		assert.True(t, m.IsSet(i))
	}
	assert.NoError(t, Check(m, FullMask()))
}

func TestMaskOutOfRangeIgnored(t *testing.T) {
	m := NewMask()
	m.Set(-1)
	m.Set(24)
	m.Set(1000)
	assert.True(t, m.Empty())
	assert.False(t, m.IsSet(24))
}

func TestParseList(t *testing.T) {
	m, err := ParseList("0, 1,2,7")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 7}, m.Indices())

	m, err = ParseList("")
	require.NoError(t, err)
	assert.True(t, m.Empty())

	// Out-of-range indices are dropped, not errors.
	m, err = ParseList("3,64")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, m.Indices())

	_, err = ParseList("1,two,3")
	assert.Error(t, err)
}

func TestCheckSupersetPasses(t *testing.T) {
	required, err := ParseList("1,3")
	require.NoError(t, err)
	asserted, err := ParseList("0,1,2,3,4")
	require.NoError(t, err)

	assert.NoError(t, Check(asserted, required))
}

func TestCheckExactMatchPasses(t *testing.T) {
	required, err := ParseList("0,5,16")
	require.NoError(t, err)

	assert.NoError(t, Check(required, required))
}

func TestCheckMissingPCRFails(t *testing.T) {
	required, err := ParseList("1,9")
	require.NoError(t, err)
	asserted, err := ParseList("1,2,3")
	require.NoError(t, err)

	err = Check(asserted, required)
	assert.ErrorIs(t, err, ErrInsufficientCoverage)
	assert.Contains(t, err.Error(), "PCR 9")
}

func TestCheckShortAssertedMask(t *testing.T) {
	required := NewMask()
	required.Set(1)

	err := Check(Mask{0xff}, required)
	assert.ErrorIs(t, err, ErrInvalidMask)
}

func TestCheckEmptyRequiredAlwaysPasses(t *testing.T) {
	assert.NoError(t, Check(NewMask(), NewMask()))

	asserted, err := ParseList("0")
	require.NoError(t, err)
	assert.NoError(t, Check(asserted, NewMask()))
}
