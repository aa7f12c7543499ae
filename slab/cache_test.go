package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	pa := NewPageAllocator(4)
	c := NewCache(pa, 64)

	obj, err := c.Alloc()
	require.NoError(t, err)
	require.Len(t, obj, 64)
	obj[0] = 0xAB

	require.NoError(t, c.Free(obj))
	require.Equal(t, 3, pa.NumFree(), "an emptied page is held on the empty list, not returned immediately")
	require.Len(t, c.empty, 1)
}

func TestAllocReusesEmptyPageBeforeTakingANewOne(t *testing.T) {
	pa := NewPageAllocator(1)
	c := NewCache(pa, PageSize)

	obj, err := c.Alloc()
	require.NoError(t, err)
	require.NoError(t, c.Free(obj))
	require.Equal(t, 0, pa.NumFree(), "freed page stays parked in the empty list")

	_, err = c.Alloc()
	require.NoError(t, err, "Alloc should reuse the page sitting in the empty list")
	require.Empty(t, c.empty)
}

func TestNewSlabPageReclaimsEmptyPageUnderPressure(t *testing.T) {
	pa := NewPageAllocator(1)
	c := NewCache(pa, PageSize/2) // two objects per page

	first, err := c.Alloc()
	require.NoError(t, err)
	second, err := c.Alloc()
	require.NoError(t, err)
	require.NoError(t, c.Free(first))
	require.NoError(t, c.Free(second))
	require.Len(t, c.empty, 1, "the now-empty page should be held, not freed, after both objects are released")
	require.Equal(t, 0, pa.NumFree(), "pa's only page is still tracked on the empty list, not returned")

	// The page allocator has nothing left; a fresh slab page can still be
	// produced because newSlabPage reclaims the idle empty page first.
	sp, err := c.newSlabPage()
	require.NoError(t, err)
	require.NotNil(t, sp)
	require.Empty(t, c.empty)
}

func TestFreeUnknownIsError(t *testing.T) {
	pa := NewPageAllocator(2)
	c := NewCache(pa, 32)
	require.ErrorIs(t, c.Free(make([]byte, 32)), ErrBadFree)
}

func TestExhaustion(t *testing.T) {
	pa := NewPageAllocator(1)
	c := NewCache(pa, PageSize) // one object per page
	_, err := c.Alloc()
	require.NoError(t, err)
	_, err = c.Alloc()
	require.ErrorIs(t, err, ErrOOM)
}
