package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/services"
	"github.com/upb/legal-audit/services/security"
	"go.uber.org/zap"
)

// MockStatusProvider is a mock implementation of SecurityStatusProvider
type MockStatusProvider struct {
	mock.Mock
}

func (m *MockStatusProvider) Status(ctx context.Context, limit int) (*security.Status, error) {
	args := m.Called(ctx, limit)
	if s := args.Get(0); s != nil {
		return s.(*security.Status), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestSecurityHandler_HandleStatus(t *testing.T) {
	t.Run("reports recent events from the monitor", func(t *testing.T) {
		ctx := context.Background()
		monitor := security.NewMonitor(security.NewMemoryBuffer(50), nil, config.MonitorConfig{}, nil, zap.NewNop())
		for i := 0; i < 3; i++ {
			monitor.RecordFailedLogin(ctx, "invalid_token")
		}

		handler := NewSecurityHandler(monitor, zap.NewNop())
		req := httptest.NewRequest(http.MethodGet, "/api/v1/security/status?limit=2", nil)
		w := httptest.NewRecorder()

		handler.HandleStatus(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var status security.Status
		decodeData(t, w, &status)
		assert.False(t, status.Suspicious)
		assert.Len(t, status.Recent, 2)
		assert.Equal(t, models.SecurityEventFailedLogin, status.Recent[0].Type)
	})

	tests := []struct {
		name      string
		query     string
		wantLimit int
	}{
		{name: "default limit", query: "", wantLimit: defaultStatusLimit},
		{name: "non-positive limit falls back to default", query: "?limit=0", wantLimit: defaultStatusLimit},
		{name: "limit is capped", query: "?limit=5000", wantLimit: maxStatusLimit},
		{name: "explicit limit", query: "?limit=7", wantLimit: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := new(MockStatusProvider)
			provider.On("Status", mock.Anything, tt.wantLimit).Return(&security.Status{}, nil)

			handler := NewSecurityHandler(provider, zap.NewNop())
			req := httptest.NewRequest(http.MethodGet, "/api/v1/security/status"+tt.query, nil)
			w := httptest.NewRecorder()

			handler.HandleStatus(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			provider.AssertExpectations(t)
		})
	}

	t.Run("non-numeric limit is a bad request", func(t *testing.T) {
		provider := new(MockStatusProvider)
		handler := NewSecurityHandler(provider, zap.NewNop())
		req := httptest.NewRequest(http.MethodGet, "/api/v1/security/status?limit=many", nil)
		w := httptest.NewRecorder()

		handler.HandleStatus(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		provider.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
	})

	t.Run("buffer failure is service unavailable", func(t *testing.T) {
		provider := new(MockStatusProvider)
		provider.On("Status", mock.Anything, defaultStatusLimit).
			Return(nil, services.WrapPersistence("failed to read security event buffer", assert.AnError))

		handler := NewSecurityHandler(provider, zap.NewNop())
		req := httptest.NewRequest(http.MethodGet, "/api/v1/security/status", nil)
		w := httptest.NewRecorder()

		handler.HandleStatus(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
