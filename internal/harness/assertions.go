package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

func (h *host) assert(ctx context.Context, a *Assertion) error {
	switch a.Type {
	case AssertCheck:
		return h.assertCheck(ctx, a)
	case AssertMode:
		if got := h.monitor.Mode().String(); got != a.Mode {
			return fmt.Errorf("mode is %s, want %s", got, a.Mode)
		}
		return nil
	case AssertQueue:
		return h.assertQueue(ctx, a)
	case AssertQueueStats:
		stats, err := h.queue.Stats(ctx)
		if err != nil {
			return err
		}
		return matchSubset("queue stats", stats, a.Expect)
	case AssertConflicts:
		list, err := h.resolver.List(ctx, model.ConflictStatus(a.Status))
		if err != nil {
			return err
		}
		if len(list) != *a.Count {
			return fmt.Errorf("found %d conflicts with status %q, want %d", len(list), a.Status, *a.Count)
		}
		return nil
	case AssertDelivered:
		got := h.cloud.delivered()
		if !slices.Equal(got, a.Actions) && !(len(got) == 0 && len(a.Actions) == 0) {
			return fmt.Errorf("cloud accepted %v, want %v", got, a.Actions)
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *host) assertCheck(ctx context.Context, a *Assertion) error {
	id, ok := h.ids[a.Check]
	if !ok {
		return fmt.Errorf("check %q was never opened", a.Check)
	}
	c, err := h.store.GetCheck(ctx, id)
	if err != nil {
		return err
	}
	return matchSubset("check "+a.Check, c, a.Expect)
}

func (h *host) assertQueue(ctx context.Context, a *Assertion) error {
	id, ok := h.ids[a.Check]
	if !ok {
		return fmt.Errorf("check %q was never opened", a.Check)
	}
	var items []model.SyncQueueItem
	err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		items, err = tx.ListQueueItemsForStream(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.EntityType + "." + it.Action
	}
	if !slices.Equal(got, a.Actions) && !(len(got) == 0 && len(a.Actions) == 0) {
		return fmt.Errorf("queued %v, want %v", got, a.Actions)
	}
	return nil
}

// matchSubset compares the expected fields against v's JSON encoding.
// Values compare by their printed form so YAML integers match JSON numbers.
func matchSubset(what string, v any, expect map[string]any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := fields[k]
		if !ok {
			return fmt.Errorf("%s has no field %q", what, k)
		}
		if fmt.Sprint(got) != fmt.Sprint(expect[k]) {
			return fmt.Errorf("%s field %q is %v, want %v", what, k, got, expect[k])
		}
	}
	return nil
}
