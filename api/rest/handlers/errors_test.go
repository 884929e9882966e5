package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/internal/repository"
)

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"not found", errors.Wrap(repository.ErrCampaignNotFound, "load"), http.StatusNotFound, "load: campaign not found"},
		{"validation", mberrors.ValidationError(mberrors.ErrInvalidInput, "bad"), http.StatusBadRequest, ""},
		{"configuration", mberrors.ConfigurationError(mberrors.ErrNoBounceCredential, "acme.io"), http.StatusUnprocessableEntity, ""},
		{"internal", errors.New("db down"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			span := mocktracer.New().StartSpan("test")

			respondError(c, span, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.message != "" {
				assert.Equal(t, tt.message, body["error"])
			}
			_, hasTraceID := body["traceId"]
			assert.Equal(t, tt.status >= http.StatusInternalServerError, hasTraceID)
		})
	}
}
