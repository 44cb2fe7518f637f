package perkwiki

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pscheid92/trailblazer/internal/adapter/breaker"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/version"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><body>
<h2><span class="mw-headline" id="Survivor_Perks">Survivor Perks (163)</span></h2>
<table>...</table>
<h2><span class="mw-headline" id="Killer_Perks">Killer Perks (139)</span></h2>
</body></html>`

func setupWiki(t *testing.T, status int, body string) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(breaker.New[int]("perkwiki-test", nil))
	c.url = srv.URL
	c.http = srv.Client()
	return c, &hits
}

func TestTotalPerks(t *testing.T) {
	c, _ := setupWiki(t, http.StatusOK, samplePage)

	killer, err := c.TotalPerks(t.Context(), domain.PerkKiller)
	require.NoError(t, err)
	assert.Equal(t, 139, killer)

	survivor, err := c.TotalPerks(t.Context(), domain.PerkSurvivor)
	require.NoError(t, err)
	assert.Equal(t, 163, survivor)
}

func TestTotalPerks_UnknownClass(t *testing.T) {
	c, hits := setupWiki(t, http.StatusOK, samplePage)

	_, err := c.TotalPerks(t.Context(), domain.PerkClassType("spectator"))

	assert.ErrorIs(t, err, domain.ErrPerkClassNotFound)
	assert.Zero(t, hits.Load())
}

func TestTotalPerks_HeadingMissing(t *testing.T) {
	c, _ := setupWiki(t, http.StatusOK, "<html>redesigned page</html>")

	_, err := c.TotalPerks(t.Context(), domain.PerkKiller)

	assert.ErrorContains(t, err, "no match")
}

func TestTotalPerks_BreakerOpensOnRepeatedFailures(t *testing.T) {
	c, hits := setupWiki(t, http.StatusBadGateway, "")

	for range 5 {
		_, err := c.TotalPerks(t.Context(), domain.PerkKiller)
		require.Error(t, err)
	}
	require.EqualValues(t, 5, hits.Load())

	_, err := c.TotalPerks(t.Context(), domain.PerkKiller)

	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 5, hits.Load(), "open breaker must not reach the wiki")
}

func TestTotalPerks_IdentifiesItself(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
		_, _ = w.Write([]byte(samplePage))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(breaker.New[int]("perkwiki-test", nil))
	c.url = srv.URL
	c.http = srv.Client()

	_, err := c.TotalPerks(t.Context(), domain.PerkKiller)
	require.NoError(t, err)
	assert.Equal(t, version.UserAgent(), agent)
}
