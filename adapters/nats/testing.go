package nats

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultTestImage = "nats:2.11"

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
	Skip(args ...any)
}

// NewTestContainer starts a JetStream enabled NATS server that lives as long
// as the test and returns a Connector sharing one connection to it. The image
// can be overridden with CQRS_TEST_NATS_IMAGE. Skipped with -short.
func NewTestContainer(t Testing) Connector {
	if testing.Short() {
		t.Skip("nats container tests are skipped in short mode")
	}

	image := os.Getenv("CQRS_TEST_NATS_IMAGE")
	if image == "" {
		image = defaultTestImage
	}

	ctx := t.Context()
	container, err := testcontainers.Run(
		ctx, image,
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err, "start %s", image)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Errorf("terminate nats container: %s", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats %s at %s", image, endpoint)
	return ReuseConnection(ConnectURL(endpoint))
}
