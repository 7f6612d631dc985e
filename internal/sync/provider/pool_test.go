package provider

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func testConn(p Type) *Connection {
	return &Connection{
		ID:             uuid.New(),
		Provider:       p,
		BaseURL:        "https://" + string(p) + ".example/api/FHIR/R4",
		RateLimitRPS:   10,
		RateLimitBurst: 20,
		Capabilities:   []string{"Patient", "MedicationOrder"},
		Healthy:        true,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestType_Valid(t *testing.T) {
	for _, v := range All {
		if !v.Valid() {
			t.Errorf("expected %s to be valid", v)
		}
	}
	if Type("acme-ehr").Valid() {
		t.Error("expected unknown vendor to be invalid")
	}
	if len(All) != 7 {
		t.Errorf("expected 7 supported vendors, got %d", len(All))
	}
}

func TestConnection_SupportsResource(t *testing.T) {
	c := testConn(Epic)
	if !c.SupportsResource("Patient") {
		t.Error("expected Patient to be supported")
	}
	if c.SupportsResource("VisionPrescription") {
		t.Error("expected VisionPrescription to be unsupported")
	}
}

func TestPool_GetAndList(t *testing.T) {
	a := testConn(Epic)
	b := testConn(Cerner)
	pool := NewPool([]*Connection{a, b}, nil, time.Minute, zerolog.New(os.Stderr))

	got, err := pool.Get(a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Provider != Epic {
		t.Errorf("expected epic connection, got %s", got.Provider)
	}

	if _, err := pool.Get(uuid.New()); err == nil {
		t.Error("expected error for unknown connection")
	}

	if len(pool.List()) != 2 {
		t.Errorf("expected 2 connections, got %d", len(pool.List()))
	}
}

func TestPool_MarkUnhealthy(t *testing.T) {
	a := testConn(Athenahealth)
	pool := NewPool([]*Connection{a}, nil, time.Minute, zerolog.New(os.Stderr))

	pool.MarkUnhealthy(a.ID)

	got, _ := pool.Get(a.ID)
	if got.Healthy {
		t.Error("expected connection to be unhealthy")
	}
	if got.LastHealthCheck == nil {
		t.Error("expected LastHealthCheck to be set")
	}
}

func TestPool_HealthCheckLoop(t *testing.T) {
	a := testConn(Epic)
	b := testConn(Meditech)
	b.Healthy = true

	probe := func(_ context.Context, conn *Connection) error {
		if conn.Provider == Meditech {
			return errors.New("connection refused")
		}
		return nil
	}

	pool := NewPool([]*Connection{a, b}, probe, 50*time.Millisecond, zerolog.New(os.Stderr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	time.Sleep(120 * time.Millisecond)
	pool.Close()

	gotA, _ := pool.Get(a.ID)
	gotB, _ := pool.Get(b.ID)
	if !gotA.Healthy {
		t.Error("expected epic connection healthy")
	}
	if gotB.Healthy {
		t.Error("expected meditech connection unhealthy")
	}
	if gotA.LastHealthCheck == nil {
		t.Error("expected health check timestamp")
	}
}
