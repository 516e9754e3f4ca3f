package auditry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/store"
)

func TestClient_IndependentFlowsDoNotShareContext(t *testing.T) {
	t.Parallel()

	const perFlow = 5
	c, st := newClient(t, auditry.Config{})

	type flow struct {
		actor string
		tx    bool
		ids   []string
		kinds []auditry.WriteKind
		err   error
	}
	flows := []*flow{{actor: "a"}, {actor: "b"}, {actor: "c", tx: true}}

	create := func(ctx context.Context, cl *auditry.Client, f *flow, i int) error {
		rec, wr, err := cl.ExecWithResult(ctx, "User", store.ActionCreate, map[string]any{
			"data": map[string]any{"email": fmt.Sprintf("%s%d@example.com", f.actor, i)},
		})
		if err != nil {
			return err
		}
		f.ids = append(f.ids, fmt.Sprint(rec.(store.Record)["id"]))
		f.kinds = append(f.kinds, wr.Kind)
		return nil
	}

	var wg sync.WaitGroup
	for _, f := range flows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := auditry.WithActor(context.Background(), auditry.Actor{Category: "user", Type: "User", ID: f.actor})
			if !f.tx {
				for i := range perFlow {
					if f.err = create(ctx, c, f, i); f.err != nil {
						return
					}
				}
				return
			}
			f.err = c.Transaction(ctx, func(ctx context.Context, tx *auditry.Client) error {
				for i := range perFlow {
					if err := create(ctx, tx, f, i); err != nil {
						return err
					}
				}
				for _, r := range auditRows(st) {
					if r["actorId"] == f.actor {
						return fmt.Errorf("entry for %s written before commit", f.actor)
					}
				}
				return nil
			})
		}()
	}
	wg.Wait()
	require.NoError(t, c.Wait(context.Background()))

	rows := auditRows(st)
	require.Len(t, rows, len(flows)*perFlow)
	for _, f := range flows {
		require.NoError(t, f.err, f.actor)
		want := auditry.WriteDispatched
		if f.tx {
			want = auditry.WriteDeferred
		}
		for _, k := range f.kinds {
			assert.Equal(t, want, k, f.actor)
		}

		var got []string
		for _, r := range rows {
			if r["actorId"] == f.actor {
				got = append(got, r["entityId"].(string))
			}
		}
		assert.ElementsMatch(t, f.ids, got, f.actor)
	}
}

func TestClient_WaitCoversWritesDispatchedWhileWaiting(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	c, st := newClient(t, auditry.Config{
		Writer: auditry.WriterFunc(func(ctx context.Context, entries []auditry.Entry, _ auditry.AuditContext, persist auditry.PersistFunc) error {
			<-gate
			return persist(ctx, entries)
		}),
	})
	ctx := context.Background()

	_, err := c.Create(ctx, "User", map[string]any{"data": map[string]any{"email": "a@example.com"}})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(short), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- c.Wait(ctx) }()

	_, err = c.Create(ctx, "User", map[string]any{"data": map[string]any{"email": "b@example.com"}})
	require.NoError(t, err)
	close(gate)

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	assert.Len(t, auditRows(st), 2)
}
