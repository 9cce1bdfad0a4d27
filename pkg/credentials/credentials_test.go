package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := NewSealerFromBase64(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return s
}

func TestSealerRoundTrip(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.Seal("sk-test")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-test")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", plain)
}

func TestSealerRejectsForeignCiphertext(t *testing.T) {
	sealed, err := newTestSealer(t).Seal("sk-test")
	require.NoError(t, err)

	_, err = newTestSealer(t).Open(sealed)
	assert.True(t, errors.Is(err, ErrUndecryptable))

	_, err = newTestSealer(t).Open("not base64!")
	assert.True(t, errors.Is(err, ErrUndecryptable))
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestMemoryStoreListsPerUser(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.SaveProviderSetting(ctx, ProviderSetting{UserID: "u1", ProviderID: "openai", Enabled: true}))
	require.NoError(t, st.SaveProviderSetting(ctx, ProviderSetting{UserID: "u1", ProviderID: "anthropic", Enabled: false}))
	require.NoError(t, st.SaveProviderSetting(ctx, ProviderSetting{UserID: "u2", ProviderID: "openai", Enabled: true}))

	got, err := st.ListProviderSettings(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "anthropic", got[0].ProviderID)
	assert.Equal(t, "openai", got[1].ProviderID)
}

func TestModelsJSON(t *testing.T) {
	raw, err := marshalModels([]CustomModel{{ID: "llama3", Name: "Llama 3"}})
	require.NoError(t, err)
	models, err := unmarshalModels(raw)
	require.NoError(t, err)
	assert.Equal(t, "llama3", models[0].ID)
}
