//go:build go1.18

package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// Fuzz Set/Get/Delete/GetOrLoad under arbitrary string inputs.
func FuzzCache_SetGetDelete(f *testing.F) {
	f.Add("", "")
	f.Add("a", "1")
	f.Add("αβγ", "δ")
	f.Add("emoji🙂", "🙂🙂")
	f.Add("long", strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, k, v string) {
		const limit = 1 << 12
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		d := NewDict[string, string](DictOptions[string, string]{
			MaxSize: 16,
			Loader: func(_ context.Context, d *Dict[string, string], key string) error {
				d.Set(key, v)
				return nil
			},
		})
		t.Cleanup(func() { _ = d.Close() })

		d.Set(k, v)
		if got, err := d.Get(k); err != nil || got != v {
			t.Fatalf("after Set/Get: want %q, got %q err=%v", v, got, err)
		}

		if err := d.Delete(k); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := d.Get(k); !errors.Is(err, ErrNotFound) {
			t.Fatalf("key must be absent after Delete, err=%v", err)
		}

		got, err := d.GetOrLoad(context.Background(), k)
		if err != nil || got != v {
			t.Fatalf("GetOrLoad after Delete: want %q, got %q err=%v", v, got, err)
		}
	})
}
