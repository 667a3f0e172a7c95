package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTTLCache_Get(t *testing.T) {
	tests := []struct {
		name       string
		setupCache func() *TTLCache[string]
		key        string
		expectedOk bool
		expected   string
	}{
		{
			name: "empty cache",
			setupCache: func() *TTLCache[string] {
				return NewTTLCache[string]()
			},
			key:        "biz-1",
			expectedOk: false,
		},
		{
			name: "valid entry",
			setupCache: func() *TTLCache[string] {
				c := NewTTLCache[string]()
				c.Set("biz-1", "identity", time.Hour)
				return c
			},
			key:        "biz-1",
			expectedOk: true,
			expected:   "identity",
		},
		{
			name: "expired entry",
			setupCache: func() *TTLCache[string] {
				c := NewTTLCache[string]()
				c.Set("biz-1", "identity", -time.Hour)
				return c
			},
			key:        "biz-1",
			expectedOk: false,
		},
		{
			name: "other key",
			setupCache: func() *TTLCache[string] {
				c := NewTTLCache[string]()
				c.Set("biz-2", "identity", time.Hour)
				return c
			},
			key:        "biz-1",
			expectedOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.setupCache()
			value, ok := c.Get(tt.key)

			if ok != tt.expectedOk {
				t.Errorf("expected ok=%v, got %v", tt.expectedOk, ok)
			}
			if value != tt.expected {
				t.Errorf("expected value=%q, got %q", tt.expected, value)
			}
		})
	}
}

func TestTTLCache_ExpiredEntryIsDropped(t *testing.T) {
	c := NewTTLCache[int]()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", 1, time.Minute)
	now = now.Add(2 * time.Minute)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to be expired")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be removed, %d left", c.Len())
	}
}

func TestTTLCache_DeleteAndClear(t *testing.T) {
	c := NewTTLCache[string]()
	c.Set("a", "1", time.Hour)
	c.Set("b", "2", time.Hour)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be deleted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to remain")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got %d entries", c.Len())
	}
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	c := NewTTLCache[int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Set(fmt.Sprintf("k%d", i%5), i, time.Hour)
		}(i)
		go func(i int) {
			defer wg.Done()
			c.Get(fmt.Sprintf("k%d", i%5))
		}(i)
	}
	wg.Wait()

	if c.Len() != 5 {
		t.Errorf("expected 5 keys, got %d", c.Len())
	}
}
