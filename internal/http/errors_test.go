package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
)

func TestMapErrorToStatus(t *testing.T) {
	infra := fmt.Errorf("begin tx: %w: %w", domain.ErrInfrastructure, errors.New("refused"))
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidQuantity, http.StatusBadRequest},
		{domain.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("order 7: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrTerminalState, http.StatusConflict},
		{infra, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapErrorToStatus(tc.err), tc.err.Error())
	}
}

func TestFail_InfrastructureHidesCause(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := &Server{log: log}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	s.fail(c, fmt.Errorf("begin tx: %w: %w", domain.ErrInfrastructure, errors.New("dial tcp 10.0.0.5:5432")))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "infrastructure_error", body["code"])
	assert.NotContains(t, body["error"], "10.0.0.5")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "store unavailable", hook.LastEntry().Message)
}
