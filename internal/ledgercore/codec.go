package ledgercore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// CompactProof is the {v,l,r,i,p,d} wire form: p is the concatenation of
// sibling hashes (64 hex chars each) and d is a string of '0'/'1'
// (0=Left, 1=Right).
type CompactProof struct {
	Version int    `json:"v"`
	Leaf    Hash   `json:"l"`
	Root    Hash   `json:"r"`
	Index   uint64 `json:"i"`
	Path    string `json:"p"`
	Dirs    string `json:"d"`
}

const compactVersion = 1

// ToCompact converts a full MerkleProof to its compact wire form.
func ToCompact(p MerkleProof) CompactProof {
	var path, dirs strings.Builder
	for i, sib := range p.Proof {
		path.WriteString(string(sib))
		if p.Directions[i] == Left {
			dirs.WriteByte('0')
		} else {
			dirs.WriteByte('1')
		}
	}
	return CompactProof{
		Version: compactVersion,
		Leaf:    p.Leaf,
		Root:    p.Root,
		Index:   p.Index,
		Path:    path.String(),
		Dirs:    dirs.String(),
	}
}

// FromCompact converts a compact wire form back to a full MerkleProof.
func FromCompact(c CompactProof) (MerkleProof, error) {
	if c.Version != compactVersion {
		return MerkleProof{}, fmt.Errorf("ledgercore: unknown compact proof version %d", c.Version)
	}
	if len(c.Path)%64 != 0 {
		return MerkleProof{}, fmt.Errorf("ledgercore: compact proof path length %d is not a multiple of 64", len(c.Path))
	}
	n := len(c.Path) / 64
	if len(c.Dirs) != n {
		return MerkleProof{}, fmt.Errorf("ledgercore: compact proof has %d siblings but %d directions", n, len(c.Dirs))
	}
	p := MerkleProof{
		Leaf:  c.Leaf,
		Root:  c.Root,
		Index: c.Index,
	}
	for i := 0; i < n; i++ {
		sib := Hash(c.Path[i*64 : (i+1)*64])
		p.Proof = append(p.Proof, sib)
		switch c.Dirs[i] {
		case '0':
			p.Directions = append(p.Directions, Left)
		case '1':
			p.Directions = append(p.Directions, Right)
		default:
			return MerkleProof{}, fmt.Errorf("ledgercore: invalid direction byte %q", c.Dirs[i])
		}
	}
	return p, nil
}

// SerializedProofV1 mirrors CompactProof but keeps the proof/directions as
// arrays rather than packed strings — the wire shape spec.md calls out
// separately under "Serialized v1".
type SerializedProofV1 struct {
	Version int    `json:"v"`
	Leaf    Hash   `json:"l"`
	Index   uint64 `json:"i"`
	Proof   []Hash `json:"p"`
	Dirs    []int  `json:"d"` // 0=left, 1=right
	Root    Hash   `json:"r"`
}

// ToSerializedV1 converts a full proof to the serialized v1 wire form.
func ToSerializedV1(p MerkleProof) SerializedProofV1 {
	dirs := make([]int, len(p.Directions))
	for i, d := range p.Directions {
		if d == Right {
			dirs[i] = 1
		}
	}
	proof := make([]Hash, len(p.Proof))
	copy(proof, p.Proof)
	return SerializedProofV1{
		Version: compactVersion,
		Leaf:    p.Leaf,
		Index:   p.Index,
		Proof:   proof,
		Dirs:    dirs,
		Root:    p.Root,
	}
}

// FromSerializedV1 converts a serialized v1 wire form back to a full proof.
// Any version other than 1 is rejected outright — readers must not
// best-effort decode an unknown version (spec.md §9).
func FromSerializedV1(s SerializedProofV1) (MerkleProof, error) {
	if s.Version != 1 {
		return MerkleProof{}, fmt.Errorf("ledgercore: unsupported serialized proof version %d", s.Version)
	}
	if len(s.Proof) != len(s.Dirs) {
		return MerkleProof{}, fmt.Errorf("ledgercore: serialized proof has %d siblings but %d directions", len(s.Proof), len(s.Dirs))
	}
	p := MerkleProof{
		Leaf:  s.Leaf,
		Index: s.Index,
		Root:  s.Root,
	}
	for i, sib := range s.Proof {
		p.Proof = append(p.Proof, sib)
		switch s.Dirs[i] {
		case 0:
			p.Directions = append(p.Directions, Left)
		case 1:
			p.Directions = append(p.Directions, Right)
		default:
			return MerkleProof{}, fmt.Errorf("ledgercore: invalid direction code %d", s.Dirs[i])
		}
	}
	return p, nil
}

// binaryEnvelope is the CBOR-encoded shape of the compact form: a
// length-prefixed sequence of byte strings (leaf, root, each sibling as 32
// raw bytes, directions as a byte string of one byte each) plus a single integer
// (the index). CBOR arrays and byte strings are themselves length-prefixed,
// which is what spec.md's "CBOR-like" binary envelope calls for.
type binaryEnvelope struct {
	_         struct{} `cbor:",toarray"`
	Version   int
	Leaf      []byte
	Root      []byte
	Index     uint64
	Siblings  [][]byte
	Direction []byte
}

func hashToBytes(h Hash) ([]byte, error) {
	b := make([]byte, hex.DecodedLen(len(h)))
	if _, err := hex.Decode(b, []byte(h)); err != nil {
		return nil, fmt.Errorf("ledgercore: decode hash %q: %w", h, err)
	}
	return b, nil
}

func bytesToHash(b []byte) Hash {
	return Hash(hex.EncodeToString(b))
}

// EncodeBinary encodes a full proof as CBOR bytes.
func EncodeBinary(p MerkleProof) ([]byte, error) {
	leaf, err := hashToBytes(p.Leaf)
	if err != nil {
		return nil, err
	}
	root, err := hashToBytes(p.Root)
	if err != nil {
		return nil, err
	}
	siblings := make([][]byte, len(p.Proof))
	for i, s := range p.Proof {
		sb, err := hashToBytes(s)
		if err != nil {
			return nil, err
		}
		siblings[i] = sb
	}
	dirs := make([]byte, len(p.Directions))
	for i, d := range p.Directions {
		if d == Right {
			dirs[i] = 1
		}
	}
	env := binaryEnvelope{
		Version:   compactVersion,
		Leaf:      leaf,
		Root:      root,
		Index:     p.Index,
		Siblings:  siblings,
		Direction: dirs,
	}
	return cbor.Marshal(env)
}

// DecodeBinary decodes a CBOR-encoded proof produced by EncodeBinary.
func DecodeBinary(data []byte) (MerkleProof, error) {
	var env binaryEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return MerkleProof{}, fmt.Errorf("ledgercore: decode binary envelope: %w", err)
	}
	if env.Version != compactVersion {
		return MerkleProof{}, fmt.Errorf("ledgercore: unknown binary envelope version %d", env.Version)
	}
	if len(env.Siblings) != len(env.Direction) {
		return MerkleProof{}, fmt.Errorf("ledgercore: binary envelope sibling/direction length mismatch")
	}
	p := MerkleProof{
		Leaf:  bytesToHash(env.Leaf),
		Root:  bytesToHash(env.Root),
		Index: env.Index,
	}
	for i, s := range env.Siblings {
		p.Proof = append(p.Proof, bytesToHash(s))
		if env.Direction[i] == 1 {
			p.Directions = append(p.Directions, Right)
		} else {
			p.Directions = append(p.Directions, Left)
		}
	}
	return p, nil
}

// EncodeBinaryBase64 is EncodeBinary wrapped in base64url, for transports
// that can't carry raw binary (spec.md: "Consumers must accept base64
// wrapping").
func EncodeBinaryBase64(p MerkleProof) (string, error) {
	b, err := EncodeBinary(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeBinaryBase64 reverses EncodeBinaryBase64.
func DecodeBinaryBase64(s string) (MerkleProof, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return MerkleProof{}, fmt.Errorf("ledgercore: decode base64 binary envelope: %w", err)
	}
	return DecodeBinary(b)
}

// QRPayload is a pointer to a remotely-verifiable proof, not the proof
// itself — scanning it tells a verifier where to fetch and check the real
// proof.
type QRPayload struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	LedgerID  string `json:"ledgerId"`
	EntryID   string `json:"entryId"`
	RootHash  Hash   `json:"rootHash"`
	VerifyURL string `json:"verifyUrl"`
}

// NewQRPayload builds the QR payload pointer for an entry.
func NewQRPayload(ledgerID, entryID string, root Hash, verifyBaseURL string) QRPayload {
	url := strings.TrimRight(verifyBaseURL, "/") + "/ledgers/" + ledgerID + "/entries/" + entryID + "/proof"
	return QRPayload{
		Type:      "veilchain_proof",
		Version:   1,
		LedgerID:  ledgerID,
		EntryID:   entryID,
		RootHash:  root,
		VerifyURL: url,
	}
}
