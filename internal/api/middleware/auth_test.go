package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockAuthenticator struct {
	token  string
	device *models.Device
}

func (m *mockAuthenticator) AuthenticateDevice(_ context.Context, token string) (*models.Device, error) {
	if token != m.token {
		return nil, errors.New("invalid token")
	}
	return m.device, nil
}

func TestServiceAuth(t *testing.T) {
	newRouter := func(token string, anonymous bool) *gin.Engine {
		r := gin.New()
		r.Use(ServiceAuth(token, anonymous, zerolog.Nop()))
		r.GET("/devices", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})
		return r
	}

	tests := []struct {
		name      string
		token     string
		anonymous bool
		header    string
		want      int
	}{
		{"valid token", "s3cret", false, "s3cret", http.StatusOK},
		{"wrong token", "s3cret", false, "nope", http.StatusUnauthorized},
		{"missing token", "s3cret", false, "", http.StatusUnauthorized},
		{"anonymous development", "", true, "", http.StatusOK},
		{"unconfigured without anonymous", "", false, "anything", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/devices", nil)
			if tt.header != "" {
				req.Header.Set(ServiceTokenHeader, tt.header)
			}
			newRouter(tt.token, tt.anonymous).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestDeviceAuth(t *testing.T) {
	device := &models.Device{ID: "dev_1", Label: "laptop"}
	auth := &mockAuthenticator{token: "tdy_abc", device: device}

	r := gin.New()
	r.Use(DeviceAuth(auth, zerolog.Nop()))
	r.GET("/device/jobs/next", func(c *gin.Context) {
		d := RequireDevice(c)
		if d == nil {
			return
		}
		c.JSON(http.StatusOK, gin.H{"device_id": d.ID})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid bearer", "Bearer tdy_abc", http.StatusOK},
		{"lowercase scheme", "bearer tdy_abc", http.StatusOK},
		{"wrong token", "Bearer tdy_other", http.StatusUnauthorized},
		{"wrong scheme", "Basic tdy_abc", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/device/jobs/next", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequireDevice_NoDevice(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/", nil)

	if d := RequireDevice(c); d != nil {
		t.Fatal("expected nil device")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestGetDevice_WrongType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(string(DeviceContextKey), "not a device")

	if d := GetDevice(c); d != nil {
		t.Fatal("expected nil for wrong type")
	}
}
