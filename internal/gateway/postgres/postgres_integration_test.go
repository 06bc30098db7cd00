//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"odmflush/internal/gateway"
	"odmflush/internal/gateway/gatewaytest"
	"odmflush/internal/gateway/postgres"
	"odmflush/pkg/testutil/containers"
)

func TestPostgresContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	gw := postgres.New(pg.DB)
	require.NoError(t, gw.Migrate(context.Background()))
	require.NoError(t, gw.Migrate(context.Background()), "migrations are idempotent")

	suite.Run(t, &gatewaytest.ContractSuite{New: func() gateway.Gateway { return gw }})
}
