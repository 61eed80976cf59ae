package cluster

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ranksafe/mpi-go/mpi"
)

func TestExchangeRoundTrip(t *testing.T) {
	err := mpi.InitializeLocal(2, func(u *mpi.Universe) error {
		e, err := Open(u.World(), Config{Tag: 9})
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		switch u.World().Rank() {
		case 0:
			if err := e.Send(ctx, 1, []byte("hello cluster")); err != nil {
				return err
			}
			stats := e.Stats()
			if stats.SendPosted != 1 || stats.SendCompleted != 1 {
				t.Errorf("unexpected sender stats: %+v", stats)
			}
		case 1:
			buf := make([]byte, 64)
			n, source, err := e.Receive(ctx, buf)
			if err != nil {
				return err
			}
			if source != 0 {
				t.Errorf("expected source 0, got %d", source)
			}
			if !bytes.Equal(buf[:n], []byte("hello cluster")) {
				t.Errorf("unexpected payload %q", buf[:n])
			}
			stats := e.Stats()
			if stats.ReceivePosted != 1 || stats.ReceiveCompleted != 1 {
				t.Errorf("unexpected receiver stats: %+v", stats)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
}

func TestExchangeFuturesAndHandlers(t *testing.T) {
	err := mpi.InitializeLocal(2, func(u *mpi.Universe) error {
		e, err := Open(u.World(), Config{Tag: 3})
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		switch u.World().Rank() {
		case 0:
			sent := make(chan error, 1)
			future, err := e.SendAsync(1, []byte{1, 2, 3, 4})
			if err != nil {
				return err
			}
			future.OnComplete(func(err error) { sent <- err })
			if err := future.Await(ctx); err != nil {
				return err
			}
			select {
			case err := <-sent:
				if err != nil {
					t.Errorf("send callback error: %v", err)
				}
			case <-ctx.Done():
				t.Error("send callback never fired")
			}
		case 1:
			delivered := make(chan ReceiveCompletion, 1)
			unregister := e.RegisterReceiveHandler(func(c ReceiveCompletion) {
				delivered <- c
			})
			defer unregister()

			buf := make([]byte, 16)
			future, err := e.ReceiveAsync(buf)
			if err != nil {
				return err
			}
			n, err := future.Await(ctx)
			if err != nil {
				return err
			}
			if n != 4 {
				t.Errorf("expected 4 bytes, got %d", n)
			}
			if future.Source() != 0 {
				t.Errorf("expected source 0, got %d", future.Source())
			}
			select {
			case c := <-delivered:
				if c.Err != nil || !bytes.Equal(c.Payload, []byte{1, 2, 3, 4}) {
					t.Errorf("unexpected handler completion: %+v", c)
				}
			case <-ctx.Done():
				t.Error("receive handler never fired")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("futures: %v", err)
	}
}

func TestExchangeRejectsBadArguments(t *testing.T) {
	err := mpi.InitializeLocal(1, func(u *mpi.Universe) error {
		e, err := Open(u.World(), Config{})
		if err != nil {
			return err
		}

		if _, err := e.SendAsync(0, nil); err == nil {
			t.Error("expected error for empty payload")
		}
		if _, err := e.SendAsync(7, []byte{1}); err == nil {
			t.Error("expected error for out-of-range destination")
		}
		if _, err := e.ReceiveAsync(nil); err == nil {
			t.Error("expected error for empty buffer")
		}

		if err := e.Close(); err != nil {
			return err
		}
		if _, err := e.SendAsync(0, []byte{1}); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed after close, got %v", err)
		}
		if err := e.Close(); err != nil {
			t.Errorf("second close: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("bad arguments: %v", err)
	}
}

func TestExchangeStructuredLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core).Sugar()

	err := mpi.InitializeLocal(1, func(u *mpi.Universe) error {
		e, err := Open(u.World(), Config{StructuredLogger: logger})
		if err != nil {
			return err
		}
		return e.Close()
	})
	if err != nil {
		t.Fatalf("logging run: %v", err)
	}

	var events []string
	for _, entry := range logs.All() {
		if entry.Message != "cluster exchange dispatcher" {
			continue
		}
		for _, field := range entry.Context {
			if field.Key == "event" {
				events = append(events, field.String)
			}
		}
	}
	joined := strings.Join(events, ",")
	if !strings.Contains(joined, "start") || !strings.Contains(joined, "stop") {
		t.Fatalf("expected start and stop dispatcher events, got %q", joined)
	}
}

func TestExchangeMetricsWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	err = mpi.InitializeLocal(2, func(u *mpi.Universe) error {
		e, err := Open(u.World(), Config{Tag: 1, Metrics: metrics})
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		switch u.World().Rank() {
		case 0:
			return e.Send(ctx, 1, []byte("metered"))
		case 1:
			buf := make([]byte, 16)
			_, _, err := e.Receive(ctx, buf)
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("metrics run: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "cluster_exchange_dispatcher_started_total"); got != 2 {
		t.Fatalf("expected 2 dispatcher starts, got %v", got)
	}
	if got := findCounterValue(mfs, "cluster_exchange_send_completed_total"); got != 1 {
		t.Fatalf("expected 1 completed send, got %v", got)
	}
	if got := findCounterValue(mfs, "cluster_exchange_receive_completed_total"); got != 1 {
		t.Fatalf("expected 1 completed receive, got %v", got)
	}
}
