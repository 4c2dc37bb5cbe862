package factory_test

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/ledger"
)

func TestParsePendingPolicy(t *testing.T) {
	p, err := factory.ParsePendingPolicy([]byte(`{
		"allTasksPending": false,
		"pendingOfferIds": [{"offerId": "SLOW", "days": 14}],
		"maxCoinPerTask": 5000,
		"maxDays": 3
	}`))
	require.NoError(t, err)

	assert.Equal(t, []ledger.OfferOverride{{OfferID: "SLOW", Days: 14}}, p.PendingOffers)
	assert.Equal(t, int64(5000), p.MaxCoinPerTask)
	assert.Equal(t, ledger.DefaultExpiryDays, p.ExpiryDays)
}

func TestParsePendingPolicy_Invalid(t *testing.T) {
	_, err := factory.ParsePendingPolicy([]byte(`{"maxDays": -1}`))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = factory.ParsePendingPolicy([]byte(`not json`))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

const partnersJSON = `{
	"partners": [
		{
			"name": "AdGate",
			"fields": {"userId": "uid", "transactionId": "tid", "amount": "points", "status": "st"},
			"creditStatus": ["1"],
			"reversalStatus": ["2"],
			"signature": {"field": "sig", "algorithm": "md5", "secretEnv": "ADGATE_SECRET"},
			"ackBody": "OK"
		}
	]
}`

func TestParsePartners(t *testing.T) {
	env := map[string]string{"ADGATE_SECRET": "shh"}

	adapters, err := factory.ParsePartners([]byte(partnersJSON), func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Len(t, adapters, 1)

	a := adapters[0]
	assert.Equal(t, "adgate", a.Name())

	q := url.Values{"uid": {"u1"}, "tid": {"T1"}, "points": {"25"}, "st": {"2"}}
	q.Set("sig", a.Signature().Sign(q))
	ev, err := a.Parse(q)
	require.NoError(t, err)
	assert.Equal(t, int64(-25), ev.Amount)
	assert.Equal(t, "OK", string(a.Ack(ledger.OutcomeChargeback).Body))
}

func TestParsePartners_MissingSecret(t *testing.T) {
	_, err := factory.ParsePartners([]byte(partnersJSON), func(string) string { return "" })
	assert.ErrorContains(t, err, "ADGATE_SECRET")

	_, err = factory.ParsePartners([]byte(`{"partners":[{"name":"x"}]}`), os.Getenv)
	assert.ErrorContains(t, err, "secretEnv")
}

func TestLoadPartnersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partners.json")
	require.NoError(t, os.WriteFile(path, []byte(partnersJSON), 0o600))

	adapters, err := factory.LoadPartnersFile(path, func(string) string { return "k" })
	require.NoError(t, err)
	assert.Len(t, adapters, 1)

	_, err = factory.LoadPartnersFile(filepath.Join(t.TempDir(), "missing.json"), os.Getenv)
	assert.Error(t, err)
}
