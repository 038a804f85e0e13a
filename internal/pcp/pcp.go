// Package pcp builds personal custody packages: a three-tier nested,
// deterministic archive of biometric artefacts and metadata, salted-hashed,
// committed, signed with the device's secure element, and sealed to the
// recipient and user self-custody public keys (spec §4.9).
package pcp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/nacl/box"

	"orbcore"
)

// Version selects the package layout.
type Version string

const (
	// Version2 embeds tier-1/tier-2 contents into tier 0.
	Version2 Version = "2.3"
	// Version3 ships three independent tiers with cross-tier hashes
	// recorded in hashes.json.
	Version3 Version = "3.0"
)

// Signer is the device's secure-element signing primitive, called by name
// only (spec §1 scope).
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// Committer produces a Hyrax polynomial commitment with matching blinding
// factors for a normalized image; the scheme itself is external.
type Committer interface {
	Commit(data []byte) (commitment, blinding []byte, err error)
}

// PublicKey is a sealed-box recipient key.
type PublicKey [32]byte

// Keys are the sealing targets for one package.
type Keys struct {
	Iris           PublicKey
	NormalizedIris PublicKey
	Face           PublicKey
	// SelfCustody is the user's self-custody public key; every tier is
	// ultimately sealed to it.
	SelfCustody PublicKey
	// Tier2Backend optionally adds a backend layer around tier 2.
	Tier2Backend *PublicKey
}

// IrisData is one eye's contribution.
type IrisData struct {
	Eye            orbcore.Eye
	IRFrame        []byte
	IrisCodeB64    string
	MaskCodeB64    string
	NormalizedIris []byte
	NormalizedMask []byte
}

// Input is everything a package build consumes.
type Input struct {
	Version Version

	SignupID        string
	OperatorID      string
	QRCode          string
	SoftwareVersion string
	Country         string
	Timestamp       time.Time

	Left  IrisData
	Right IrisData

	FaceFrame     []byte
	FaceThumbnail []byte
	FaceEmbeddings []byte

	// ExtraFrames are the additional biometric frames shipped in tier 2
	// (sweeps, multi-wavelength, overcapture bursts), keyed by file name.
	ExtraFrames map[string][]byte
}

// Package is a finished build: the three sealed tiers plus their SHA-256
// checksums, uploaded separately.
type Package struct {
	Tier0 []byte
	Tier1 []byte
	Tier2 []byte

	Tier0SHA256 string
	Tier1SHA256 string
	Tier2SHA256 string
}

// Builder assembles packages. It is CPU-bound and intended to run on a
// blocking thread (spec §4.9).
type Builder struct {
	Signer    Signer
	Committer Committer
	// Rand sources salts and sealing entropy; defaults to crypto/rand.
	Rand io.Reader
}

func (b *Builder) rand() io.Reader {
	if b.Rand != nil {
		return b.Rand
	}
	return rand.Reader
}

// Build produces the three sealed tiers (spec §4.9).
func (b *Builder) Build(in Input, keys Keys) (Package, error) {
	if in.Version == "" {
		in.Version = Version3
	}
	hashes := make(map[string]string)
	metadata, err := b.metadataJSON(in)
	if err != nil {
		return Package{}, err
	}
	hashes["metadata.json"] = plainHash(metadata)

	// Inner archives, each sealed to its recipient key.
	irisTar, err := deterministicTar(map[string][]byte{
		"left/ir.bin":         in.Left.IRFrame,
		"left/iris_code.txt":  []byte(in.Left.IrisCodeB64),
		"left/mask_code.txt":  []byte(in.Left.MaskCodeB64),
		"right/ir.bin":        in.Right.IRFrame,
		"right/iris_code.txt": []byte(in.Right.IrisCodeB64),
		"right/mask_code.txt": []byte(in.Right.MaskCodeB64),
	}, in.Timestamp)
	if err != nil {
		return Package{}, err
	}

	normalizedFiles := make(map[string][]byte)
	commitmentFiles := make(map[string][]byte)
	for _, side := range []struct {
		name string
		data IrisData
	}{{"left", in.Left}, {"right", in.Right}} {
		normalizedFiles[side.name+"/normalized_iris.bin"] = side.data.NormalizedIris
		normalizedFiles[side.name+"/normalized_mask.bin"] = side.data.NormalizedMask
		for _, image := range []struct {
			suffix string
			data   []byte
		}{{"iris", side.data.NormalizedIris}, {"mask", side.data.NormalizedMask}} {
			commitment, blinding, err := b.Committer.Commit(image.data)
			if err != nil {
				return Package{}, &orbcore.ErrCrypto{Op: "commit", Err: err}
			}
			commitmentName := fmt.Sprintf("%s/normalized_%s.commitment", side.name, image.suffix)
			blindingName := fmt.Sprintf("%s/normalized_%s.blinding", side.name, image.suffix)
			commitmentFiles[commitmentName] = commitment
			commitmentFiles[blindingName] = blinding
			hashes[commitmentName] = plainHash(commitment)
			hashes[blindingName] = plainHash(blinding)
		}
	}
	for name, data := range commitmentFiles {
		normalizedFiles[name] = data
	}
	normalizedTar, err := deterministicTar(normalizedFiles, in.Timestamp)
	if err != nil {
		return Package{}, err
	}

	faceTar, err := deterministicTar(map[string][]byte{
		"face.bin":       in.FaceFrame,
		"thumbnail.bin":  in.FaceThumbnail,
		"embeddings.bin": in.FaceEmbeddings,
	}, in.Timestamp)
	if err != nil {
		return Package{}, err
	}

	sealedIris, err := b.seal(irisTar, keys.Iris)
	if err != nil {
		return Package{}, err
	}
	sealedNormalized, err := b.seal(normalizedTar, keys.NormalizedIris)
	if err != nil {
		return Package{}, err
	}
	sealedFace, err := b.seal(faceTar, keys.Face)
	if err != nil {
		return Package{}, err
	}
	hashes["iris.tar"] = plainHash(sealedIris)
	hashes["normalized_iris.tar"] = plainHash(sealedNormalized)
	hashes["face.tar"] = plainHash(sealedFace)

	tier1Files := map[string][]byte{
		"iris.tar":            sealedIris,
		"normalized_iris.tar": sealedNormalized,
		"face.tar":            sealedFace,
	}
	tier2Files := make(map[string][]byte, len(in.ExtraFrames))
	for name, data := range in.ExtraFrames {
		tier2Files[name] = data
		hashes["tier2/"+name] = plainHash(data)
	}

	var pkg Package
	switch in.Version {
	case Version2:
		pkg, err = b.buildV2(in, keys, metadata, hashes, tier1Files, tier2Files)
	default:
		pkg, err = b.buildV3(in, keys, metadata, hashes, tier1Files, tier2Files)
	}
	if err != nil {
		return Package{}, err
	}
	pkg.Tier0SHA256 = plainHash(pkg.Tier0)
	pkg.Tier1SHA256 = plainHash(pkg.Tier1)
	pkg.Tier2SHA256 = plainHash(pkg.Tier2)
	return pkg, nil
}

// buildV3 ships three independent tiers with cross-tier hashes recorded in
// hashes.json before signing.
func (b *Builder) buildV3(in Input, keys Keys, metadata []byte, hashes map[string]string, tier1Files, tier2Files map[string][]byte) (Package, error) {
	tier1, err := b.sealTier(tier1Files, in.Timestamp, keys.SelfCustody, nil)
	if err != nil {
		return Package{}, err
	}
	tier2, err := b.sealTier(tier2Files, in.Timestamp, keys.SelfCustody, keys.Tier2Backend)
	if err != nil {
		return Package{}, err
	}
	hashes["tier1.sealed"] = plainHash(tier1)
	hashes["tier2.sealed"] = plainHash(tier2)

	tier0Files, err := b.tier0Files(metadata, hashes)
	if err != nil {
		return Package{}, err
	}
	tier0, err := b.sealTier(tier0Files, in.Timestamp, keys.SelfCustody, nil)
	if err != nil {
		return Package{}, err
	}
	return Package{Tier0: tier0, Tier1: tier1, Tier2: tier2}, nil
}

// buildV2 embeds the tier-1/tier-2 contents into tier 0; the other tiers
// are empty.
func (b *Builder) buildV2(in Input, keys Keys, metadata []byte, hashes map[string]string, tier1Files, tier2Files map[string][]byte) (Package, error) {
	merged := make(map[string][]byte, len(tier1Files)+len(tier2Files))
	for name, data := range tier1Files {
		merged["tier1/"+name] = data
	}
	for name, data := range tier2Files {
		merged["tier2/"+name] = data
	}
	tier0Files, err := b.tier0Files(metadata, hashes)
	if err != nil {
		return Package{}, err
	}
	for name, data := range tier0Files {
		merged[name] = data
	}
	tier0, err := b.sealTier(merged, in.Timestamp, keys.SelfCustody, nil)
	if err != nil {
		return Package{}, err
	}
	return Package{Tier0: tier0}, nil
}

// tier0Files assembles metadata, per-tier hashes, and the hash signature.
func (b *Builder) tier0Files(metadata []byte, hashes map[string]string) (map[string][]byte, error) {
	hashesJSON, err := json.Marshal(hashes)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(hashesJSON)
	signature, err := b.Signer.Sign(digest[:])
	if err != nil {
		return nil, &orbcore.ErrCrypto{Op: "sign", Err: err}
	}
	return map[string][]byte{
		"metadata.json": metadata,
		"hashes.json":   hashesJSON,
		"hashes.sign":   signature,
	}, nil
}

// sealTier tars, gzips, and seals a tier. An optional backend key adds an
// inner sealing layer under the user's self-custody layer.
func (b *Builder) sealTier(files map[string][]byte, mtime time.Time, selfCustody PublicKey, backend *PublicKey) ([]byte, error) {
	archive, err := deterministicTar(files, mtime)
	if err != nil {
		return nil, err
	}
	compressed, err := gzipBytes(archive)
	if err != nil {
		return nil, err
	}
	payload := compressed
	if backend != nil {
		payload, err = b.seal(payload, *backend)
		if err != nil {
			return nil, err
		}
	}
	return b.seal(payload, selfCustody)
}

// seal encrypts data to recipient with an authenticated sealed box.
func (b *Builder) seal(data []byte, recipient PublicKey) ([]byte, error) {
	key := [32]byte(recipient)
	sealed, err := box.SealAnonymous(nil, data, &key, b.rand())
	if err != nil {
		return nil, &orbcore.ErrCrypto{Op: "seal", Err: err}
	}
	return sealed, nil
}

// metadataJSON serializes the identifying metadata with salted hashes:
// each sensitive field is shipped as SHA-256(value || salt_hex) next to its
// salt, so a holder who knows the value can verify it (spec §4.9 "Salted
// hashes").
func (b *Builder) metadataJSON(in Input) ([]byte, error) {
	metadata := map[string]any{"version": string(in.Version)}
	for name, value := range map[string]string{
		"signup_id":        in.SignupID,
		"operator_id":      in.OperatorID,
		"qr_code":          in.QRCode,
		"software_version": in.SoftwareVersion,
		"country":          in.Country,
		"timestamp":        in.Timestamp.UTC().Format(time.RFC3339),
	} {
		hash, salt, err := saltedHash(value, b.rand())
		if err != nil {
			return nil, err
		}
		metadata[name] = map[string]string{"hash": hash, "salt": salt}
	}
	// encoding/json emits map keys in lexicographic order, which is the
	// determinism the verifier relies on.
	return json.Marshal(metadata)
}

// saltedHash returns SHA-256(value || salt_hex) and the fresh salt.
func saltedHash(value string, rng io.Reader) (hash, salt string, err error) {
	var raw [16]byte
	if _, err := io.ReadFull(rng, raw[:]); err != nil {
		return "", "", &orbcore.ErrCrypto{Op: "salt", Err: err}
	}
	salt = hex.EncodeToString(raw[:])
	sum := sha256.Sum256([]byte(value + salt))
	return hex.EncodeToString(sum[:]), salt, nil
}

func plainHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifySaltedHash checks a salted metadata hash given the plaintext
// value.
func VerifySaltedHash(value, salt, hash string) bool {
	sum := sha256.Sum256([]byte(value + salt))
	return hex.EncodeToString(sum[:]) == hash
}
