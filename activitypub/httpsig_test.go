package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deemkeen/stegograph/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := ParsePrivateKey(dbtest.Keys(t).Private)
	require.NoError(t, err)
	return key
}

func TestParsePrivateKeyFormats(t *testing.T) {
	key := testKey(t)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemPKCS8 := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))

	parsed, err := ParsePrivateKey(pemPKCS8)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = ParsePrivateKey("not a pem")
	assert.Error(t, err)
	_, err = ParsePrivateKey("")
	assert.Error(t, err)
}

func TestParsePublicKeyFormats(t *testing.T) {
	key := testKey(t)

	pkix, err := ParsePublicKey(dbtest.Keys(t).Public)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pkix))

	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))
	parsed, err := ParsePublicKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed))

	_, err = ParsePublicKey("-----BEGIN PUBLIC KEY-----\ninvalid\n-----END PUBLIC KEY-----")
	assert.Error(t, err)
}

func newSignedPost(t *testing.T, body []byte, keyId string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://home.example/users/alice/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", ContentType)
	require.NoError(t, SignRequest(req, testKey(t), keyId, body))
	return req
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	keyId := "https://remote.example/users/bob#main-key"
	req := newSignedPost(t, body, keyId)

	assert.NotEmpty(t, req.Header.Get("Date"))
	assert.Equal(t, Digest(body), req.Header.Get("Digest"))
	assert.Contains(t, req.Header.Get("Signature"), `keyId="`+keyId+`"`)

	gotKeyId, err := KeyIdFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, keyId, gotKeyId)

	actorURI, err := VerifyRequest(req, body, dbtest.Keys(t).Public)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/users/bob", actorURI)
}

func TestVerifyRequestRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req := newSignedPost(t, body, "https://remote.example/users/bob#main-key")

	_, err := VerifyRequest(req, []byte(`{"type":"Block"}`), dbtest.Keys(t).Public)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest")
}

func TestVerifyRequestRejectsWrongKey(t *testing.T) {
	body := []byte(`{}`)
	req := newSignedPost(t, body, "https://remote.example/users/bob#main-key")

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&other.PublicKey)
	require.NoError(t, err)
	otherPem := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	_, err = VerifyRequest(req, body, otherPem)
	assert.Error(t, err)
}

func TestSignGetRequestWithoutDigest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://remote.example/users/bob", nil)
	require.NoError(t, SignRequest(req, testKey(t), "https://home.example/users/alice#main-key", nil))

	assert.Empty(t, req.Header.Get("Digest"))
	assert.NotContains(t, req.Header.Get("Signature"), "digest")

	_, err := VerifyRequest(req, nil, dbtest.Keys(t).Public)
	assert.NoError(t, err)
}

func TestKeyIdFromRequestMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/inbox", nil)
	_, err := KeyIdFromRequest(req)
	assert.Error(t, err)

	req.Header.Set("Signature", `algorithm="rsa-sha256",signature="abc"`)
	_, err = KeyIdFromRequest(req)
	assert.Error(t, err)
}
