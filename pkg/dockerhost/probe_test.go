package dockerhost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDaemon(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var filter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("API-Version", "1.41")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_ping"):
			w.Write([]byte("OK"))
		case strings.HasSuffix(r.URL.Path, "/version"):
			json.NewEncoder(w).Encode(map[string]string{"Version": "27.3.1", "ApiVersion": "1.41"})
		case strings.HasSuffix(r.URL.Path, "/containers/json"):
			filter = r.URL.Query().Get("filters")
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"Id": "a", "State": "running"},
				{"Id": "b", "State": "running"},
				{"Id": "c", "State": "exited"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &filter
}

func tcpHost(srv *httptest.Server) string {
	return "tcp://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestProbe_CountsComposeContainers(t *testing.T) {
	srv, filter := fakeDaemon(t)

	st := NewProbe(client.WithVersion("1.41")).Check(context.Background(), tcpHost(srv))
	require.NoError(t, st.Err)
	assert.True(t, st.Reachable)
	assert.False(t, st.Skipped)
	assert.Equal(t, "27.3.1", st.ServerVersion)
	assert.Equal(t, 3, st.Containers)
	assert.Equal(t, 2, st.Running)
	assert.Contains(t, *filter, ComposeProjectLabel)
}

func TestProbe_SkipsSSHHosts(t *testing.T) {
	st := NewProbe().Check(context.Background(), "ssh://deploy@10.0.0.4")
	assert.True(t, st.Skipped)
	assert.False(t, st.Reachable)
	assert.NoError(t, st.Err)
}

func TestProbe_UnreachableDaemon(t *testing.T) {
	srv, _ := fakeDaemon(t)
	host := tcpHost(srv)
	srv.Close()

	st := NewProbe(client.WithVersion("1.41")).Check(context.Background(), host)
	assert.False(t, st.Reachable)
	assert.Error(t, st.Err)
}
