// Package tcnats starts a JetStream enabled NATS server for tests.
package tcnats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestNats returns a connection to a fresh NATS container. The test is
// skipped if no container provider is available.
func SetupTestNats(t *testing.T) *nats.Conn {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	port, err := nat.NewPort("tcp", "4222")
	if err != nil {
		t.Fatal(err)
	}
	container, err := testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "nats:2.10",
				Cmd:          []string{"-js"},
				ExposedPorts: []string{string(port)},
				WaitingFor: wait.ForLog("Server is ready").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		//nolint:errcheck // test cleanup
		testcontainers.TerminateContainer(container)
	})
	host, _ := container.Host(ctx)
	mapped, _ := container.MappedPort(ctx, port)
	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%s", host, mapped.Port()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}
