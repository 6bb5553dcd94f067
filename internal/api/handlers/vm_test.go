package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
)

func validCreateBody() map[string]interface{} {
	return map[string]interface{}{
		"name": "web-1",
		"config": map[string]interface{}{
			"cpu":         4,
			"memoryBytes": int64(8) << 30,
			"diskBytes":   int64(50) << 30,
			"image":       "debian-12",
		},
	}
}

func TestCreateVMAccepted(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.addAgent(t, "hv-1", 8)

	w := env.do(t, http.MethodPost, "/api/v1/vms", validCreateBody())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, agentID, body["agentId"])
	assert.Equal(t, "creating", body["status"])
	assert.NotEmpty(t, body["vmId"])

	// Placement is queryable right away.
	owner, ok := env.registry.PlacementFor(body["vmId"].(string))
	require.True(t, ok)
	assert.Equal(t, agentID, owner)
}

func TestCreateVMValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "hv-1", 8)

	tests := []struct {
		name   string
		mutate func(body map[string]interface{})
	}{
		{"missing name", func(b map[string]interface{}) { delete(b, "name") }},
		{"zero cpu", func(b map[string]interface{}) {
			b["config"].(map[string]interface{})["cpu"] = 0
		}},
		{"missing image", func(b map[string]interface{}) {
			b["config"].(map[string]interface{})["image"] = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validCreateBody()
			tt.mutate(body)
			w := env.do(t, http.MethodPost, "/api/v1/vms", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, apperrors.CodeValidationFailed, decodeBody(t, w)["code"])
		})
	}
}

func TestCreateVMUnknownStrategy(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "hv-1", 8)

	body := validCreateBody()
	body["strategy"] = "firstFit"
	w := env.do(t, http.MethodPost, "/api/v1/vms", body)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.CodeInvalidStrategy, decodeBody(t, w)["code"])
}

func TestCreateVMNoAgents(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/vms", validCreateBody())
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, apperrors.CodeNoAvailableAgents, decodeBody(t, w)["code"])
}

func TestCreateVMInsufficientResourcesIncludesDiagnostics(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "tiny", 2)

	w := env.do(t, http.MethodPost, "/api/v1/vms", validCreateBody())
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, apperrors.CodeInsufficientResources, body["code"])
	params, ok := body["params"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, params, "considered")
}

func TestPerformVMOperation(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "hv-1", 8)

	created := decodeBody(t, env.do(t, http.MethodPost, "/api/v1/vms", validCreateBody()))
	vmID := created["vmId"].(string)

	w := env.do(t, http.MethodPost, "/api/v1/vms/"+vmID+"/operations",
		map[string]string{"operation": "restart"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "dispatched", decodeBody(t, w)["status"])
}

func TestPerformVMOperationRejectsUnknownOp(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/vms/vm-1/operations",
		map[string]string{"operation": "defenestrate"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPerformVMOperationRejectsStatusOp(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/vms/vm-1/operations",
		map[string]string{"operation": "status"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPerformVMOperationUnmapped(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "hv-1", 8)

	w := env.do(t, http.MethodPost, "/api/v1/vms/ghost/operations",
		map[string]string{"operation": "start"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.CodeVMNotMapped, decodeBody(t, w)["code"])
}

func TestGetVMStatusTimesOutWithoutAgentReply(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "hv-1", 8)

	created := decodeBody(t, env.do(t, http.MethodPost, "/api/v1/vms", validCreateBody()))
	vmID := created["vmId"].(string)

	// The fake connection swallows the query, so the await times out.
	w := env.do(t, http.MethodGet, "/api/v1/vms/"+vmID+"/status", nil)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, apperrors.CodeRequestTimeout, decodeBody(t, w)["code"])
}
