package pcp

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"orbcore"
)

type fakeSigner struct{ calls int }

func (s *fakeSigner) Sign(digest []byte) ([]byte, error) {
	s.calls++
	sig := append([]byte("sig:"), digest...)
	return sig, nil
}

type fakeCommitter struct{}

func (fakeCommitter) Commit(data []byte) ([]byte, []byte, error) {
	return append([]byte("commit:"), data...), []byte("blinding"), nil
}

func testInput() Input {
	return Input{
		Version:         Version3,
		SignupID:        "signup-1",
		OperatorID:      "operator-1",
		QRCode:          "userid:cf37084e-5087-484c-b5a3-3ca3c34016d1:1",
		SoftwareVersion: "1.2.3",
		Country:         "DE",
		Timestamp:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Left: IrisData{
			Eye:            orbcore.EyeLeft,
			IRFrame:        []byte("left-ir"),
			IrisCodeB64:    "bGVmdA==",
			MaskCodeB64:    "bWFzaw==",
			NormalizedIris: []byte("left-norm"),
			NormalizedMask: []byte("left-norm-mask"),
		},
		Right: IrisData{
			Eye:            orbcore.EyeRight,
			IRFrame:        []byte("right-ir"),
			IrisCodeB64:    "cmlnaHQ=",
			MaskCodeB64:    "bWFzaw==",
			NormalizedIris: []byte("right-norm"),
			NormalizedMask: []byte("right-norm-mask"),
		},
		FaceFrame:      []byte("face"),
		FaceThumbnail:  []byte("thumb"),
		FaceEmbeddings: []byte("embeddings"),
		ExtraFrames:    map[string][]byte{"sweep/frame0.bin": []byte("sweep")},
	}
}

func testKeys(t *testing.T) (Keys, *[32]byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keys := Keys{
		Iris:           PublicKey(*pub),
		NormalizedIris: PublicKey(*pub),
		Face:           PublicKey(*pub),
		SelfCustody:    PublicKey(*pub),
	}
	return keys, priv
}

func TestDeterministicTar_Reproducible(t *testing.T) {
	files := map[string][]byte{"b.txt": []byte("bbb"), "a.txt": []byte("aaa")}
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := deterministicTar(files, mtime)
	if err != nil {
		t.Fatal(err)
	}
	second, err := deterministicTar(files, mtime)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("identical inputs produced different archives")
	}

	r := tar.NewReader(bytes.NewReader(first))
	var names []string
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
		if hdr.Uid != 0 || hdr.Gid != 0 || hdr.Mode != 0o644 {
			t.Errorf("entry %s: uid=%d gid=%d mode=%o", hdr.Name, hdr.Uid, hdr.Gid, hdr.Mode)
		}
		if !hdr.ModTime.Equal(mtime) {
			t.Errorf("entry %s: mtime = %v", hdr.Name, hdr.ModTime)
		}
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Errorf("entries = %v, want sorted", names)
	}
}

func TestSaltedHash_Verifies(t *testing.T) {
	hash, salt, err := saltedHash("secret-value", rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySaltedHash("secret-value", salt, hash) {
		t.Error("salted hash does not verify with the right value")
	}
	if VerifySaltedHash("other-value", salt, hash) {
		t.Error("salted hash verifies with the wrong value")
	}
}

func TestBuild_V3_TiersDecryptAndVerify(t *testing.T) {
	keys, priv := testKeys(t)
	signer := &fakeSigner{}
	builder := &Builder{Signer: signer, Committer: fakeCommitter{}}

	pkg, err := builder.Build(testInput(), keys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pkg.Tier0) == 0 || len(pkg.Tier1) == 0 || len(pkg.Tier2) == 0 {
		t.Fatal("v3 must produce three non-empty tiers")
	}
	if signer.calls != 1 {
		t.Errorf("signer called %d times, want 1", signer.calls)
	}

	pub := [32]byte(keys.SelfCustody)
	opened, ok := box.OpenAnonymous(nil, pkg.Tier0, &pub, priv)
	if !ok {
		t.Fatal("tier 0 does not open with the self-custody key")
	}
	gz, err := gzip.NewReader(bytes.NewReader(opened))
	if err != nil {
		t.Fatalf("tier 0 gunzip: %v", err)
	}
	files := map[string][]byte{}
	r := tar.NewReader(gz)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		content, _ := io.ReadAll(r)
		files[hdr.Name] = content
	}
	for _, name := range []string{"metadata.json", "hashes.json", "hashes.sign"} {
		if _, ok := files[name]; !ok {
			t.Errorf("tier 0 missing %s", name)
		}
	}

	var hashes map[string]string
	if err := json.Unmarshal(files["hashes.json"], &hashes); err != nil {
		t.Fatalf("hashes.json: %v", err)
	}
	// Cross-tier hashes must match the shipped tiers.
	if hashes["tier1.sealed"] != plainHash(pkg.Tier1) {
		t.Error("tier1 cross-hash mismatch")
	}
	if hashes["tier2.sealed"] != plainHash(pkg.Tier2) {
		t.Error("tier2 cross-hash mismatch")
	}

	// Salted metadata verifies with the known plaintext values.
	var metadata map[string]json.RawMessage
	if err := json.Unmarshal(files["metadata.json"], &metadata); err != nil {
		t.Fatalf("metadata.json: %v", err)
	}
	var field struct{ Hash, Salt string }
	if err := json.Unmarshal(metadata["signup_id"], &field); err != nil {
		t.Fatalf("signup_id: %v", err)
	}
	if !VerifySaltedHash("signup-1", field.Salt, field.Hash) {
		t.Error("signup_id salted hash does not verify")
	}
}

func TestBuild_V2_EmbedsEverythingInTier0(t *testing.T) {
	keys, priv := testKeys(t)
	builder := &Builder{Signer: &fakeSigner{}, Committer: fakeCommitter{}}
	in := testInput()
	in.Version = Version2

	pkg, err := builder.Build(in, keys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pkg.Tier1) != 0 || len(pkg.Tier2) != 0 {
		t.Error("v2 must not ship separate tier-1/tier-2 archives")
	}
	pub := [32]byte(keys.SelfCustody)
	opened, ok := box.OpenAnonymous(nil, pkg.Tier0, &pub, priv)
	if !ok {
		t.Fatal("tier 0 does not open")
	}
	gz, err := gzip.NewReader(bytes.NewReader(opened))
	if err != nil {
		t.Fatal(err)
	}
	r := tar.NewReader(gz)
	found := map[string]bool{}
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		found[hdr.Name] = true
	}
	for _, name := range []string{"tier1/iris.tar", "tier1/face.tar", "tier2/sweep/frame0.bin", "hashes.json"} {
		if !found[name] {
			t.Errorf("v2 tier 0 missing %s", name)
		}
	}
}

func TestBuild_SigningFailureIsFatal(t *testing.T) {
	keys, _ := testKeys(t)
	builder := &Builder{Signer: failingSigner{}, Committer: fakeCommitter{}}
	if _, err := builder.Build(testInput(), keys); err == nil {
		t.Fatal("expected a crypto error")
	} else {
		var crypto *orbcore.ErrCrypto
		if !errors.As(err, &crypto) {
			t.Errorf("error = %v, want ErrCrypto", err)
		}
	}
}

type failingSigner struct{}

func (failingSigner) Sign([]byte) ([]byte, error) { return nil, io.ErrUnexpectedEOF }
