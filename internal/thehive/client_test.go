package thehive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offensesync/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{URL: srv.URL + "/", APIKey: "key", Headers: map[string]string{"X-Organisation": "soc"}})
	require.NoError(t, err)
	return client
}

func TestFindAlerts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/alert/_search", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("range"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "soc", r.Header.Get("X-Organisation"))

		var body struct {
			Query struct {
				Field string `json:"_field"`
				Value string `json:"_value"`
			} `json:"query"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sourceRef", body.Query.Field)

		if body.Query.Value == "42" {
			w.Write([]byte(`[{"id": "~123", "title": "t", "sourceRef": "42"}]`))
			return
		}
		w.Write([]byte(`[]`))
	})

	alerts, err := client.FindAlerts(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "~123", alerts[0].ID)

	alerts, err = client.FindAlerts(context.Background(), "43")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestCreateAlert(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/alert", r.URL.Path)
		var alert models.Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, "42", alert.SourceRef)
		assert.Equal(t, "QRadar_Offenses", alert.Source)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "~456", "sourceRef": "42"}`))
	})

	id, err := client.CreateAlert(context.Background(), &models.Alert{SourceRef: "42", Source: "QRadar_Offenses"})
	require.NoError(t, err)
	assert.Equal(t, "~456", id)
}

func TestCreateAlertStructuredError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type": "CreateError", "message": "alert already exists"}`))
	})

	_, err := client.CreateAlert(context.Background(), &models.Alert{SourceRef: "42"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "CreateError", apiErr.Type)
	assert.Equal(t, "alert already exists", apiErr.Message)
}

func TestCreateAlertPlainError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	})

	_, err := client.CreateAlert(context.Background(), &models.Alert{SourceRef: "42"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "gateway down", apiErr.Message)
}

func TestCreateAlertRequiresID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := client.CreateAlert(context.Background(), &models.Alert{SourceRef: "42"})
	assert.Error(t, err)
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestNewClientKeepsDefaultTransportSettings(t *testing.T) {
	client, err := NewClient(Config{URL: "https://thehive.local", Insecure: true})
	require.NoError(t, err)

	transport, ok := client.client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.NotNil(t, transport.Proxy)
	assert.NotZero(t, transport.TLSHandshakeTimeout)
	require.NotNil(t, transport.TLSClientConfig)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}
