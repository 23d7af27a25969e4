package mongo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "goa.design/mesh/features/state/mongo/clients/mongo"
	"goa.design/mesh/state"
)

type fakeClient struct {
	docs     map[string][]byte
	readErr  error
	writeErr error
	writes   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{docs: make(map[string][]byte)}
}

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) ReadDocument(_ context.Context, kind, key, slot string) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	data, ok := c.docs[kind+"/"+key+"/"+slot]
	if !ok {
		return nil, clientsmongo.ErrNoDocument
	}
	return data, nil
}

func (c *fakeClient) WriteDocument(_ context.Context, kind, key, slot string, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes++
	c.docs[kind+"/"+key+"/"+slot] = data
	return nil
}

func (c *fakeClient) DeleteDocument(_ context.Context, kind, key, slot string) error {
	delete(c.docs, kind+"/"+key+"/"+slot)
	return nil
}

func TestStoreRoundTrip(t *testing.T) {
	client := newFakeClient()
	store, err := NewStore(client)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, state.KindAgent, "u1:bot", state.SlotAgentMessages, []byte(`{"a":1}`)))
	data, err := store.Read(ctx, state.KindAgent, "u1:bot", state.SlotAgentMessages)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(data))
}

func TestStoreMapsMissingDocToNotFound(t *testing.T) {
	store, err := NewStore(newFakeClient())
	require.NoError(t, err)

	_, err = store.Read(context.Background(), state.KindAgent, "u1:bot", state.SlotAgentMessages)
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestStoreWrapsClientFailures(t *testing.T) {
	client := newFakeClient()
	client.readErr = errors.New("socket closed")
	store, err := NewStore(client)
	require.NoError(t, err)

	_, err = store.Read(context.Background(), state.KindAgent, "u1:bot", state.SlotAgentMessages)
	require.Error(t, err)
	require.NotErrorIs(t, err, state.ErrNotFound)

	client.writeErr = errors.New("socket closed")
	err = store.Write(context.Background(), state.KindAgent, "u1:bot", state.SlotAgentMessages, []byte("{}"))
	require.Error(t, err)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}
