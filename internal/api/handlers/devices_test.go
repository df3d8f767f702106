package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDeviceService struct {
	devices []models.Device
	listErr error
}

func (m *mockDeviceService) ListDevices(_ context.Context) ([]models.Device, error) {
	return m.devices, m.listErr
}

func (m *mockDeviceService) GetDevice(_ context.Context, id string) (*models.Device, error) {
	for i := range m.devices {
		if m.devices[i].ID == id {
			return &m.devices[i], nil
		}
	}
	return nil, models.NewCodedError(models.CodeNotFound, "device not found")
}

func setupDevicesRouter(svc DeviceService) *gin.Engine {
	r := gin.New()
	NewDevicesHandler(svc, zerolog.Nop()).RegisterRoutes(r.Group(""))
	return r
}

func TestDevicesHandler_List(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := setupDevicesRouter(&mockDeviceService{devices: []models.Device{{ID: "dev_1", Label: "laptop"}}})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/devices", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Devices []models.Device `json:"devices"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Devices, 1)
		assert.Equal(t, "laptop", resp.Devices[0].Label)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		r := setupDevicesRouter(&mockDeviceService{})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/devices", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"devices":[]}`, w.Body.String())
	})

	t.Run("store error", func(t *testing.T) {
		r := setupDevicesRouter(&mockDeviceService{listErr: errors.New("db down")})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/devices", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "db down")
	})
}

func TestDevicesHandler_Status(t *testing.T) {
	r := setupDevicesRouter(&mockDeviceService{devices: []models.Device{{ID: "dev_1", Label: "laptop"}}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/devices/dev_1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Device models.Device `json:"device"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dev_1", resp.Device.ID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/devices/dev_9/status", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
