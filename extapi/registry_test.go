package extapi

import (
	"context"
	"testing"

	"github.com/glimte/xbus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listParams struct {
	Page  int    `json:"page"`
	Owner string `json:"owner"`
}

type staticProvider struct {
	generator DataGenerator
}

func (p staticProvider) HandleRequest(context.Context, Call) (DataGenerator, error) {
	return p.generator, nil
}

func noGenerator(context.Context, Call) (DataGenerator, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("Lookup is case insensitive", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register("CRM", "Customers", "List", noGenerator))

		assert.True(t, registry.Contains("crm", "customers", "list"))
		assert.True(t, registry.Contains("CRM", "CUSTOMERS", "LIST"))
		assert.False(t, registry.Contains("crm", "customers", "delete"))
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("Duplicate keys are rejected", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register("crm", "customers", "list", noGenerator))

		err := registry.Register("Crm", "CUSTOMERS", "list", noGenerator)
		assert.ErrorIs(t, err, ErrProviderExists)
	})

	t.Run("Key parts are required", func(t *testing.T) {
		registry := NewRegistry()

		assert.ErrorIs(t, registry.Register("", "o", "a", noGenerator), contracts.ErrInvalidRegistration)
		assert.ErrorIs(t, registry.Register("p", "", "a", noGenerator), contracts.ErrInvalidRegistration)
		assert.ErrorIs(t, registry.Register("p", "o", "", noGenerator), contracts.ErrInvalidRegistration)
		assert.ErrorIs(t, registry.Register("p", "o", "a", nil), contracts.ErrInvalidRegistration)
		assert.ErrorIs(t, registry.RegisterProvider("p", "o", "a", nil), contracts.ErrInvalidRegistration)
		assert.False(t, registry.Contains("", "o", "a"))
	})

	t.Run("Provider interface", func(t *testing.T) {
		generator := newStubGenerator(2)
		registry := NewRegistry()
		require.NoError(t, registry.RegisterProvider("crm", "customers", "list", staticProvider{generator: generator}))

		provider, ok := registry.find("crm", "customers", "list")
		require.True(t, ok)
		got, err := provider(ctx, Call{}, "")
		require.NoError(t, err)
		assert.Same(t, generator, got)
	})

	t.Run("Typed params are decoded", func(t *testing.T) {
		registry := NewRegistry(WithRegistryLogger(quietLogger()))
		received := make(chan listParams, 1)
		require.NoError(t, RegisterTyped(registry, "crm", "customers", "page", func(_ context.Context, _ Call, params listParams) (DataGenerator, error) {
			received <- params
			return nil, nil
		}))

		provider, ok := registry.find("crm", "customers", "page")
		require.True(t, ok)

		_, err := provider(ctx, Call{}, `{"page":2,"owner":"sales"}`)
		require.NoError(t, err)
		assert.Equal(t, listParams{Page: 2, Owner: "sales"}, <-received)

		_, err = provider(ctx, Call{}, `{broken`)
		require.NoError(t, err)
		assert.Equal(t, listParams{}, <-received)

		_, err = provider(ctx, Call{}, "")
		require.NoError(t, err)
		assert.Equal(t, listParams{}, <-received)
	})

	t.Run("String params are passed through", func(t *testing.T) {
		registry := NewRegistry()
		received := make(chan string, 1)
		require.NoError(t, RegisterTyped(registry, "crm", "customers", "search", func(_ context.Context, _ Call, query string) (DataGenerator, error) {
			received <- query
			return nil, nil
		}))

		provider, _ := registry.find("crm", "customers", "search")
		_, err := provider(ctx, Call{}, `name:"Ada"`)
		require.NoError(t, err)
		assert.Equal(t, `name:"Ada"`, <-received)
	})
}

func TestPagedGenerator(t *testing.T) {
	ctx := context.Background()

	t.Run("Splits into parts", func(t *testing.T) {
		g := NewPagedGenerator([]string{"a", "b", "c", "d", "e"}, 2)

		assert.Equal(t, 2, g.RecordsPerPart())
		assert.Equal(t, 3, g.TotalParts())

		part, err := g.GetPart(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, `["e"]`, part)

		_, err = g.GetPart(ctx, 3)
		assert.Error(t, err)
		assert.NoError(t, g.Close())
	})

	t.Run("Non-positive part size means one part", func(t *testing.T) {
		g := NewPagedGenerator([]int{1, 2, 3}, 0)

		assert.Equal(t, 1, g.TotalParts())
		part, err := g.GetPart(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, `[1,2,3]`, part)
	})

	t.Run("Empty input has no parts", func(t *testing.T) {
		g := NewPagedGenerator([]int{}, 0)
		assert.Equal(t, 0, g.TotalParts())
	})

	t.Run("Cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := NewPagedGenerator([]int{1}, 1).GetPart(cctx, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMessages(t *testing.T) {
	t.Run("Data request validation", func(t *testing.T) {
		valid := DataRequest{RequestID: NewRequestID(), ProviderName: "p", ObjectName: "o", Action: "a"}
		assert.NoError(t, valid.Validate())
		assert.NoError(t, contracts.Validate(valid))

		for name, mutate := range map[string]func(*DataRequest){
			"request id": func(r *DataRequest) { r.RequestID = "" },
			"provider":   func(r *DataRequest) { r.ProviderName = "" },
			"object":     func(r *DataRequest) { r.ObjectName = "" },
			"action":     func(r *DataRequest) { r.Action = "" },
		} {
			req := valid
			mutate(&req)
			assert.ErrorIs(t, req.Validate(), contracts.ErrInvalidMessage, name)
		}
	})

	t.Run("Data response validation", func(t *testing.T) {
		assert.NoError(t, DataResponse{RequestID: "r", Part: 0, TotalParts: 0}.Validate())
		assert.Error(t, DataResponse{RequestID: "r", Part: -1}.Validate())
		assert.Error(t, DataResponse{Part: 1}.Validate())
	})

	t.Run("Status classification", func(t *testing.T) {
		tests := []struct {
			status    Status
			completed bool
			faulted   bool
		}{
			{StatusNotFound, true, true},
			{StatusError, true, true},
			{StatusUnknown, false, false},
			{StatusPending, false, false},
			{StatusCreated, false, false},
			{StatusReady, true, false},
		}
		for _, tt := range tests {
			t.Run(tt.status.String(), func(t *testing.T) {
				r := StatusResponse{Status: tt.status}
				assert.Equal(t, tt.completed, r.IsCompleted())
				assert.Equal(t, tt.faulted, r.IsFaulted())
			})
		}
	})

	t.Run("Wire values", func(t *testing.T) {
		assert.Equal(t, -2, int(StatusNotFound))
		assert.Equal(t, 3, int(StatusReady))
		assert.Equal(t, RpcGetData, DataRequest{}.MessageName())
		assert.Len(t, MessageTypes(), 3)
	})

	t.Run("Request ids are unique", func(t *testing.T) {
		assert.NotEqual(t, NewRequestID(), NewRequestID())
		assert.Len(t, NewRequestID(), 26)
	})
}
