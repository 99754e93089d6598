package middleware_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/middleware"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/validator"
	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	goodToken = "header.good.signature"
	badToken  = "header.bad.signature"
	downToken = "header.down.signature"
)

// MockValidator is a mock implementation of validator.TokenValidatorInterface
type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Verify(ctx context.Context, token types.BearerToken, expected types.ValidationConfig) (*types.Claims, error) {
	args := m.Called(ctx, token, expected)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Claims), args.Error(1)
}

var claims = &types.Claims{
	Issuer:          "https://tenant.example.com/",
	Subject:         "client-1@clients",
	Audience:        []string{"https://api.example.com"},
	GrantType:       "client-credentials",
	AuthorizedParty: "client-1",
}

func newAuthenticator(t *testing.T, opts ...middleware.Option) (*middleware.Authenticator, *MockValidator) {
	t.Helper()
	cfg := &config.Config{Audience: "https://api.example.com", Issuer: "https://tenant.example.com/"}

	v := new(MockValidator)
	v.On("Verify", mock.Anything, types.BearerToken(goodToken), cfg.ValidationConfig()).Return(claims, nil).Maybe()
	v.On("Verify", mock.Anything, types.BearerToken(badToken), mock.Anything).Return(nil, validator.ErrValidationFailed).Maybe()
	v.On("Verify", mock.Anything, types.BearerToken(downToken), mock.Anything).Return(nil, validator.ErrKeysetUnavailable).Maybe()

	opts = append([]middleware.Option{middleware.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return middleware.New(cfg, v, opts...), v
}

var httpCases = []struct {
	name          string
	authorization string
	status        int
	errorCode     string
}{
	{"valid token", "Bearer " + goodToken, http.StatusOK, ""},
	{"lower case scheme", "bearer " + goodToken, http.StatusOK, ""},
	{"missing header", "", http.StatusUnauthorized, "unauthorized"},
	{"rejected token", "Bearer " + badToken, http.StatusUnauthorized, "unauthorized"},
	{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusBadRequest, "invalid_request"},
	{"verifier unavailable", "Bearer " + downToken, http.StatusServiceUnavailable, "unavailable"},
}

func assertErrorBody(t *testing.T, rec *httptest.ResponseRecorder, errorCode string) {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, errorCode, body["errorCode"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestGin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, tt := range httpCases {
		t.Run(tt.name, func(t *testing.T) {
			auth, _ := newAuthenticator(t)

			r := gin.New()
			r.Use(auth.Gin())
			r.GET("/orders", func(c *gin.Context) {
				fromGin, ok := c.Get(middleware.ClaimsKey)
				require.True(t, ok)
				fromCtx, ok := middleware.ClaimsFromContext(c.Request.Context())
				require.True(t, ok)
				assert.Same(t, fromGin, fromCtx)
				c.JSON(http.StatusOK, gin.H{"sub": fromCtx.Subject})
			})

			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"sub":"client-1@clients"}`, rec.Body.String())
				return
			}
			assertErrorBody(t, rec, tt.errorCode)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestGin_Excluded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth, v := newAuthenticator(t, middleware.WithExcluded("/health"))

	r := gin.New()
	r.Use(auth.Gin())
	r.GET("/health", func(c *gin.Context) {
		_, ok := middleware.ClaimsFromContext(c.Request.Context())
		assert.False(t, ok)
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	v.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestEcho(t *testing.T) {
	for _, tt := range httpCases {
		t.Run(tt.name, func(t *testing.T) {
			auth, _ := newAuthenticator(t)

			e := echo.New()
			e.Use(auth.Echo())
			e.GET("/orders", func(c echo.Context) error {
				fromEcho, ok := c.Get(middleware.ClaimsKey).(*types.Claims)
				require.True(t, ok)
				fromCtx, ok := middleware.ClaimsFromContext(c.Request().Context())
				require.True(t, ok)
				assert.Same(t, fromEcho, fromCtx)
				return c.JSON(http.StatusOK, map[string]string{"sub": fromCtx.Subject})
			})

			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.authorization != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.authorization)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"sub":"client-1@clients"}`, rec.Body.String())
				return
			}
			assertErrorBody(t, rec, tt.errorCode)
		})
	}
}

func TestEcho_OptionsSkipsVerification(t *testing.T) {
	auth, v := newAuthenticator(t)

	e := echo.New()
	e.Use(auth.Echo())
	e.OPTIONS("/orders", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/orders", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	v.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func incoming(values ...string) context.Context {
	md := metadata.MD{}
	for _, v := range values {
		md.Append("authorization", v)
	}
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestUnaryServerInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/orders.v1.Orders/Get"}

	tests := []struct {
		name string
		ctx  context.Context
		code codes.Code
	}{
		{"valid token", incoming("Bearer " + goodToken), codes.OK},
		{"no metadata", context.Background(), codes.Unauthenticated},
		{"no authorization", incoming(), codes.Unauthenticated},
		{"rejected token", incoming("Bearer " + badToken), codes.Unauthenticated},
		{"multiple values", incoming("Bearer "+goodToken, "Bearer "+goodToken), codes.InvalidArgument},
		{"basic scheme", incoming("Basic abc"), codes.InvalidArgument},
		{"verifier unavailable", incoming("Bearer " + downToken), codes.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, _ := newAuthenticator(t)

			called := false
			resp, err := auth.UnaryServerInterceptor()(tt.ctx, "req", info, func(ctx context.Context, req any) (any, error) {
				called = true
				got, ok := middleware.ClaimsFromContext(ctx)
				require.True(t, ok)
				assert.Equal(t, "client-1@clients", got.Subject)
				return "resp", nil
			})

			assert.Equal(t, tt.code, status.Code(err))
			assert.Equal(t, tt.code == codes.OK, called)
			if tt.code == codes.OK {
				assert.Equal(t, "resp", resp)
			}
		})
	}
}

func TestUnaryServerInterceptor_Excluded(t *testing.T) {
	auth, _ := newAuthenticator(t, middleware.WithExcluded("/grpc.health.v1.Health/Check"))

	_, err := auth.UnaryServerInterceptor()(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, req any) (any, error) { return nil, nil })
	assert.NoError(t, err)
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeServerStream) Context() context.Context {
	return s.ctx
}

func TestStreamServerInterceptor(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: "/orders.v1.Orders/Watch", IsServerStream: true}
	auth, _ := newAuthenticator(t)

	err := auth.StreamServerInterceptor()(nil, &fakeServerStream{ctx: incoming("Bearer " + goodToken)}, info,
		func(srv any, ss grpc.ServerStream) error {
			got, ok := middleware.ClaimsFromStream(ss)
			require.True(t, ok)
			assert.Equal(t, "client-1", got.AuthorizedParty)
			return nil
		})
	require.NoError(t, err)

	err = auth.StreamServerInterceptor()(nil, &fakeServerStream{ctx: incoming("Bearer " + badToken)}, info,
		func(srv any, ss grpc.ServerStream) error {
			t.Fatal("handler must not run")
			return nil
		})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
