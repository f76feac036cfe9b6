// Package blockmap holds the transient block collections used while computing a repository change:
// [BlockMap] stages content-addressed blocks that are not yet durable, and [CidSet] tracks block
// identifiers that a change adds or removes.
package blockmap

import (
	"bytes"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// CidBuilder is the prefix for every block in a repository: CIDv1, dag-cbor, sha2-256.
var CidBuilder = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// CidForBytes computes the repository CID of an encoded block.
func CidForBytes(b []byte) (cid.Cid, error) {
	return CidBuilder.Sum(b)
}

// EncodeBlock serializes a value to DAG-CBOR and returns its CID and bytes.
func EncodeBlock(v cbg.CBORMarshaler) (cid.Cid, []byte, error) {
	buf := new(bytes.Buffer)
	if err := v.MarshalCBOR(buf); err != nil {
		return cid.Undef, nil, err
	}
	c, err := CidForBytes(buf.Bytes())
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, buf.Bytes(), nil
}

// BlockMap maps CIDs to block bytes. It is not safe for concurrent use; one map belongs to one
// in-flight operation.
type BlockMap struct {
	blocks map[cid.Cid][]byte
}

func NewBlockMap() *BlockMap {
	return &BlockMap{blocks: make(map[cid.Cid][]byte)}
}

// Add encodes v and stages the resulting block.
func (bm *BlockMap) Add(v cbg.CBORMarshaler) (cid.Cid, error) {
	c, b, err := EncodeBlock(v)
	if err != nil {
		return cid.Undef, err
	}
	bm.blocks[c] = b
	return c, nil
}

// Set stages raw bytes under a known CID. The caller is trusted to supply a matching CID.
func (bm *BlockMap) Set(c cid.Cid, b []byte) {
	bm.blocks[c] = b
}

func (bm *BlockMap) Get(c cid.Cid) ([]byte, bool) {
	b, ok := bm.blocks[c]
	return b, ok
}

func (bm *BlockMap) Has(c cid.Cid) bool {
	_, ok := bm.blocks[c]
	return ok
}

func (bm *BlockMap) Delete(c cid.Cid) {
	delete(bm.blocks, c)
}

// GetMany splits cids into the blocks present here and the ones that are not.
func (bm *BlockMap) GetMany(cids []cid.Cid) (*BlockMap, []cid.Cid) {
	found := NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		b, ok := bm.blocks[c]
		if !ok {
			missing = append(missing, c)
			continue
		}
		found.blocks[c] = b
	}
	return found, missing
}

// AddMap copies every block of other into bm.
func (bm *BlockMap) AddMap(other *BlockMap) {
	if other == nil {
		return
	}
	for c, b := range other.blocks {
		bm.blocks[c] = b
	}
}

func (bm *BlockMap) Len() int {
	return len(bm.blocks)
}

func (bm *BlockMap) ByteSize() int {
	var n int
	for _, b := range bm.blocks {
		n += len(b)
	}
	return n
}

func (bm *BlockMap) Clear() {
	bm.blocks = make(map[cid.Cid][]byte)
}

// Cids returns the staged CIDs in ascending byte order.
func (bm *BlockMap) Cids() []cid.Cid {
	out := make([]cid.Cid, 0, len(bm.blocks))
	for c := range bm.blocks {
		out = append(out, c)
	}
	sortCids(out)
	return out
}

// ForEach visits blocks in the order of [BlockMap.Cids] and stops at the first error.
func (bm *BlockMap) ForEach(cb func(c cid.Cid, b []byte) error) error {
	for _, c := range bm.Cids() {
		if err := cb(c, bm.blocks[c]); err != nil {
			return err
		}
	}
	return nil
}

func (bm *BlockMap) Equals(other *BlockMap) bool {
	if other == nil || bm.Len() != other.Len() {
		return false
	}
	for c, b := range bm.blocks {
		ob, ok := other.blocks[c]
		if !ok || !bytes.Equal(b, ob) {
			return false
		}
	}
	return true
}

func sortCids(cids []cid.Cid) {
	sort.Slice(cids, func(i, j int) bool {
		return cids[i].KeyString() < cids[j].KeyString()
	})
}
