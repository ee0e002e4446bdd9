package test

import (
	"context"
	"testing"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotplane/core/registry"
	"github.com/relabs-tech/iotplane/iot"
	"github.com/relabs-tech/iotplane/iot/credentials"
	"github.com/relabs-tech/iotplane/iot/twin"
)

type StorageTestSuite struct {
	IntegrationTestSuite
}

func TestStorageTestSuite(t *testing.T) {
	runIntegration(t, &StorageTestSuite{})
}

// TestSQLLedger runs the authority on the SQL ledger and checks that a
// second authority on the same database sees the revocation
func (s *StorageTestSuite) TestSQLLedger() {
	ctx := context.Background()
	material, err := credentials.Bootstrap(s.T().TempDir(), credentials.BootstrapOptions{KeyBits: 2048})
	s.Require().NoError(err)
	signer, err := material.Signer()
	s.Require().NoError(err)
	reg, err := registry.New(ctx, s.db)
	s.Require().NoError(err)
	ledger, err := credentials.NewSQLLedger(ctx, s.db, reg)
	s.Require().NoError(err)

	a, err := credentials.New(ctx, signer, ledger)
	s.Require().NoError(err)
	first := a.CurrentCRL().Number

	_, err = a.Issue(ctx, "sql-d1")
	s.Require().NoError(err)
	_, err = a.Issue(ctx, "sql-d2")
	s.Require().NoError(err)
	revoked, err := a.Revoke(ctx, "sql-d1")
	s.Require().NoError(err)
	s.Require().Len(revoked, 1)
	s.True(a.CurrentCRL().Contains(revoked[0].Serial))

	b, err := credentials.New(ctx, signer, ledger)
	s.Require().NoError(err)
	s.True(b.CurrentCRL().Contains(revoked[0].Serial))
	s.Equal(1, b.CurrentCRL().Number.Cmp(first))

	records, err := b.Records(ctx)
	s.Require().NoError(err)
	status := map[string]credentials.Status{}
	for _, r := range records {
		status[r.SubjectCN] = r.Status
	}
	s.Equal(credentials.StatusRevoked, status["sql-d1"])
	s.Equal(credentials.StatusValid, status["sql-d2"])
}

func (s *StorageTestSuite) TestSQLTwinStore() {
	ctx := context.Background()
	store, err := twin.NewSQLStore(ctx, s.db)
	s.Require().NoError(err)

	var published []string
	t := twin.New(&twin.Builder{
		Publisher: iot.MessagePublisherFunc(func(topic string, payload []byte) { published = append(published, topic) }),
		Store:     store,
	})

	changed, err := t.ReportProperties(ctx, "sql-twin", []byte(`{"temperature":20}`))
	s.Require().NoError(err)
	s.True(changed)
	changed, err = t.ReportProperties(ctx, "sql-twin", []byte(`{ "temperature": 20 }`))
	s.Require().NoError(err)
	s.False(changed)

	s.Require().NoError(t.SetConfiguration(ctx, "sql-twin", []byte(`{"interval":5}`)))
	s.Equal([]string{"devices/sql-twin/configuration"}, published)

	configuration, err := t.Configuration(ctx, "sql-twin")
	s.Require().NoError(err)
	s.JSONEq(`{"interval":5}`, string(configuration))

	properties, err := t.Properties(ctx, "sql-twin")
	s.Require().NoError(err)
	var p map[string]int
	s.Require().NoError(json.Unmarshal(properties, &p))
	s.Equal(20, p["temperature"])
}
