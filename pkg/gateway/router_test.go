package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method", func(t *testing.T) {
		err := router.RegisterMethod("test.method", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("nil.method", nil)
		assert.Error(t, err)
		assert.False(t, router.HasMethod("nil.method"))
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
	})

	t.Run("should list methods sorted", func(t *testing.T) {
		noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }
		require.NoError(t, router.RegisterMethod("b.method", noop))
		require.NoError(t, router.RegisterMethod("a.method", noop))
		assert.Equal(t, []string{"a.method", "b.method"}, router.GetMethods())
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"chat.send","params":{"text":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "chat.send", req.Method)
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "hi", req.Params["text"])
	})

	t.Run("should default params", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"gateway.methods"}`))
		require.NoError(t, err)
		assert.NotNil(t, req.Params)
	})

	t.Run("should reject malformed json", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{not json`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should require id and method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"x"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)

		_, err = router.ParseRequest([]byte(`{"id":"1"}`))
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	}))
	require.NoError(t, router.RegisterMethod("fail", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, router.RegisterMethod("invalid", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: InvalidParams, Message: "value is required"}
	}))
	require.NoError(t, router.RegisterMethod("whoami", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return callerFromContext(ctx).ClientID, nil
	}))

	t.Run("should route to handler", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "echo", Params: map[string]interface{}{"value": "hello"}})
		assert.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result)
		assert.Equal(t, "1", resp.ID)
	})

	t.Run("should pass context to handler", func(t *testing.T) {
		ctx := withCaller(context.Background(), caller{ClientID: "client-9", Transport: "ws"})
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "whoami"})
		assert.Equal(t, "client-9", resp.Result)
	})

	t.Run("should return method not found", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should map plain errors to internal error", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "fail"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Message)
	})

	t.Run("should keep rpc error codes", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "5", Method: "invalid"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	var calls int32
	require.NoError(t, router.RegisterMethod("count", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}))

	t.Run("should replay response for repeated key", func(t *testing.T) {
		first := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "count", IdempotencyKey: "k1"})
		second := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "count", IdempotencyKey: "k1"})

		assert.Equal(t, first.Result, second.Result)
		assert.Equal(t, "2", second.ID)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("should execute again for new key", func(t *testing.T) {
		router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "count", IdempotencyKey: "k2"})
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("should execute every time without key", func(t *testing.T) {
		router.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "count"})
		router.RouteRequest(context.Background(), &RPCRequest{ID: "5", Method: "count"})
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	})
}
