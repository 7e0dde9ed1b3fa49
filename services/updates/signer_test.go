package updates

import (
	"testing"

	"filippo.io/age"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGE_SECRET_KEY", identity.String())
	t.Setenv("AGE_PUBLIC_KEY", "")

	signer, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv() error = %v", err)
	}
	return signer
}

func TestSignerRoundTrip(t *testing.T) {
	signer := newTestSigner(t)

	payload := []byte("stream: app\ntimestamp: 200\n")
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := signer.Verify(payload, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := signer.Verify([]byte("tampered"), sig); err == nil {
		t.Fatal("Verify() accepted a tampered payload")
	}
	if signer.PublicKeyBase64() == "" {
		t.Fatal("PublicKeyBase64() is empty")
	}
}

func TestSignerSignsPatchManifest(t *testing.T) {
	signer := newTestSigner(t)

	m := PatchManifest{
		Version:          "1",
		Stream:           "app",
		Timestamp:        200,
		SigningPublicKey: signer.PublicKeyBase64(),
		Artifacts:        []PatchArtifact{{Path: "x.txt", Op: OpModified}},
	}
	payload, err := m.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	m.Signature = sig

	// SigningBytes strips the signature, so verification of a populated
	// manifest still matches what was signed.
	check, err := m.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Verify(check, m.Signature); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestSignerRequiresKeyMaterial(t *testing.T) {
	t.Setenv("AGE_SECRET_KEY", "")
	t.Setenv("AGE_PUBLIC_KEY", "")

	if _, err := NewSignerFromEnv(); err == nil {
		t.Fatal("NewSignerFromEnv() succeeded without key material")
	}
}
