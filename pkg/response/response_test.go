package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"anoa.com/residencenotify/pkg/apperror"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	return c, w
}

func TestGetUserID(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		value   any
		set     bool
		want    uuid.UUID
		wantErr bool
	}{
		{"valid", id.String(), true, id, false},
		{"missing", nil, false, uuid.Nil, true},
		{"wrong type", id, true, uuid.Nil, true},
		{"not a uuid", "resident-7", true, uuid.Nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext()
			if tt.set {
				c.Set("user_id", tt.value)
			}
			got, err := GetUserID(c)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponseError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"not found", apperror.ErrNotFound, http.StatusNotFound, "resource not found"},
		{"invalid", fmt.Errorf("%w: title is required", apperror.ErrInvalidNotification), http.StatusBadRequest, "invalid notification: title is required"},
		{"store hides cause", fmt.Errorf("%w: create: %w", apperror.ErrStoreUnavailable, fmt.Errorf("dial tcp 10.0.0.4:5432")), http.StatusServiceUnavailable, "Service Unavailable"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newContext()
			ResponseError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body["error"])
		})
	}
}
