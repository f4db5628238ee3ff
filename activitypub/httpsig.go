package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

var (
	postHeaders = []string{"(request-target)", "host", "date", "digest"}
	getHeaders  = []string{"(request-target)", "host", "date"}
)

// Signer is a local actor's signing identity. A nil *Signer means anonymous requests.
type Signer struct {
	KeyId string
	Key   *rsa.PrivateKey
}

// SignRequest signs an outgoing HTTP request. POST bodies are covered by a SHA-256 digest.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	headers := getHeaders
	if body != nil {
		headers = postHeaders
		req.Header.Set("Digest", Digest(body))
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Digest is already set, the signer only covers it
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// KeyIdFromRequest returns the keyId the request claims to be signed with, before
// the signature is verified.
func KeyIdFromRequest(req *http.Request) (string, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		return "", errors.New("missing signature header")
	}
	for _, param := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "keyId" {
			return strings.Trim(v, `"`), nil
		}
	}
	return "", errors.New("signature without keyId")
}

// VerifyRequest verifies the HTTP signature and, when a body is given, its digest.
// Returns the actor URI the key belongs to.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	keyId := verifier.KeyId()
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	if body != nil {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			return "", err
		}
	}

	// keyId is usually "https://example.com/users/alice#main-key"
	return strings.Split(keyId, "#")[0], nil
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return errors.New("missing digest header")
	}
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(part)), []byte(want)) == 1 {
			return nil
		}
	}
	return errors.New("digest mismatch")
}

// ParsePrivateKey converts a PKCS1 or PKCS8 PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts a PKIX or PKCS1 PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
