package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/cybersyn/pkg/cyberr"
	"github.com/cuemby/cybersyn/pkg/metrics"
)

// magic identifies an index header file; "HNSW" read big-endian.
const magic uint32 = 0x484E5357

// CurrentVersion is the on-disk snapshot format version this build writes.
const CurrentVersion uint16 = 1

// distanceTag maps a Distance to its on-disk byte.
func distanceTag(d Distance) uint8 {
	if d == Euclidean {
		return 2
	}
	return 1
}

func tagDistance(tag uint8) (Distance, error) {
	switch tag {
	case 1:
		return Cosine, nil
	case 2:
		return Euclidean, nil
	default:
		return 0, fmt.Errorf("unknown distance_metric_tag %d", tag)
	}
}

func paths(basePath string) (header, graph, data, levels string) {
	return basePath, basePath + ".graph", basePath + ".data", basePath + ".levels"
}

// Save writes an atomic four-file snapshot (header, graph topology, node
// vectors/metadata, and per-node levels) to basePath{,.graph,.data,.levels},
// each via a temp-file-then-rename sequence so a crash mid-write never
// corrupts the previous snapshot.
func (idx *Index) Save(basePath string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HNSWSaveDuration)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	headerPath, graphPath, dataPath, levelsPath := paths(basePath)

	nodes := make([]*node, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })

	if err := atomicWrite(graphPath, func(w io.Writer) error { return writeGraph(w, nodes) }); err != nil {
		return cyberr.Wrap(cyberr.ResourcePressure, "failed to persist hnsw graph file", err)
	}
	if err := atomicWrite(dataPath, func(w io.Writer) error { return writeData(w, nodes) }); err != nil {
		return cyberr.Wrap(cyberr.ResourcePressure, "failed to persist hnsw data file", err)
	}
	if err := atomicWrite(levelsPath, func(w io.Writer) error { return writeLevels(w, nodes) }); err != nil {
		return cyberr.Wrap(cyberr.ResourcePressure, "failed to persist hnsw levels file", err)
	}
	if err := atomicWrite(headerPath, func(w io.Writer) error {
		return writeHeader(w, idx, len(nodes))
	}); err != nil {
		return cyberr.Wrap(cyberr.ResourcePressure, "failed to persist hnsw header file", err)
	}
	return nil
}

func atomicWrite(path string, encode func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	if err := encode(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// writeHeader encodes magic, version, saved_at, and a length-prefixed
// metadata blob (node_count, M, ef, distance_metric_tag, feature flags).
func writeHeader(w io.Writer, idx *Index, nodeCount int) error {
	if err := binary.Write(w, binary.BigEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, CurrentVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(time.Now().UnixMilli())); err != nil {
		return err
	}

	meta := make([]byte, 0, 32)
	meta = appendU32(meta, uint32(nodeCount))
	meta = appendU32(meta, uint32(idx.params.M))
	meta = appendU32(meta, uint32(idx.params.Ef))
	meta = append(meta, distanceTag(idx.params.Distance))
	meta = appendU32(meta, 0) // feature flags, reserved
	meta = appendU64(meta, idx.entryPoint)
	if idx.hasEntry {
		meta = append(meta, 1)
	} else {
		meta = append(meta, 0)
	}
	meta = appendU64(meta, idx.nextID)
	meta = appendU32(meta, uint32(idx.params.EfConstruction))

	if err := binary.Write(w, binary.BigEndian, uint32(len(meta))); err != nil {
		return err
	}
	_, err := w.Write(meta)
	return err
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

type headerInfo struct {
	version    uint16
	savedAt    uint64
	nodeCount  uint32
	m          uint32
	ef         uint32
	efConstr   uint32
	distance   Distance
	entryPoint uint64
	hasEntry   bool
	nextID     uint64
}

func readHeader(path string) (headerInfo, error) {
	var hi headerInfo
	f, err := os.Open(path)
	if err != nil {
		return hi, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var gotMagic uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return hi, fmt.Errorf("truncated header: %w", err)
	}
	if gotMagic != magic {
		return hi, fmt.Errorf("bad magic %x", gotMagic)
	}
	if err := binary.Read(r, binary.BigEndian, &hi.version); err != nil {
		return hi, fmt.Errorf("truncated header: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &hi.savedAt); err != nil {
		return hi, fmt.Errorf("truncated header: %w", err)
	}

	var metaLen uint32
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return hi, fmt.Errorf("truncated header: %w", err)
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return hi, fmt.Errorf("truncated metadata blob: %w", err)
	}
	if len(meta) < 34 {
		return hi, fmt.Errorf("metadata blob too short: %d bytes", len(meta))
	}
	hi.nodeCount = binary.BigEndian.Uint32(meta[0:4])
	hi.m = binary.BigEndian.Uint32(meta[4:8])
	hi.ef = binary.BigEndian.Uint32(meta[8:12])
	dist, err := tagDistance(meta[12])
	if err != nil {
		return hi, err
	}
	hi.distance = dist
	hi.entryPoint = binary.BigEndian.Uint64(meta[17:25])
	hi.hasEntry = meta[25] != 0
	hi.nextID = binary.BigEndian.Uint64(meta[26:34])
	if len(meta) >= 38 {
		hi.efConstr = binary.BigEndian.Uint32(meta[34:38])
	}
	return hi, nil
}

// writeGraph encodes {node_id, level, neighbor_ids[]} per level per node.
func writeGraph(w io.Writer, nodes []*node) error {
	for _, n := range nodes {
		if err := binary.Write(w, binary.BigEndian, n.id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(n.neighbors))); err != nil {
			return err
		}
		for level, ids := range n.neighbors {
			if err := binary.Write(w, binary.BigEndian, uint32(level)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.BigEndian, uint32(len(ids))); err != nil {
				return err
			}
			for _, id := range ids {
				if err := binary.Write(w, binary.BigEndian, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func readGraph(path string, count int) (map[uint64][][]uint64, error) {
	out := make(map[uint64][][]uint64, count)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for i := 0; i < count; i++ {
		var id uint64
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return nil, fmt.Errorf("truncated graph file at node %d: %w", i, err)
		}
		var numLevels uint32
		if err := binary.Read(r, binary.BigEndian, &numLevels); err != nil {
			return nil, fmt.Errorf("truncated graph file reading level count: %w", err)
		}
		neighbors := make([][]uint64, numLevels)
		for l := uint32(0); l < numLevels; l++ {
			var level uint32
			if err := binary.Read(r, binary.BigEndian, &level); err != nil {
				return nil, fmt.Errorf("truncated graph file reading level index: %w", err)
			}
			var n uint32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, fmt.Errorf("truncated graph file reading neighbor count: %w", err)
			}
			ids := make([]uint64, n)
			for j := range ids {
				if err := binary.Read(r, binary.BigEndian, &ids[j]); err != nil {
					return nil, fmt.Errorf("truncated graph file reading neighbor id: %w", err)
				}
			}
			if int(level) < len(neighbors) {
				neighbors[level] = ids
			}
		}
		out[id] = neighbors
	}
	return out, nil
}

// writeData encodes {node_id, vector_bytes, metadata_blob} per node.
func writeData(w io.Writer, nodes []*node) error {
	for _, n := range nodes {
		if err := binary.Write(w, binary.BigEndian, n.id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(n.vector))); err != nil {
			return err
		}
		for _, f := range n.vector {
			if err := binary.Write(w, binary.BigEndian, math.Float32bits(f)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.BigEndian, uint64(n.metadata.InsertedAt.UnixMilli())); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, math.Float64bits(n.metadata.Confidence)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(n.metadata.Tags))); err != nil {
			return err
		}
		for _, tag := range n.metadata.Tags {
			if err := binary.Write(w, binary.BigEndian, uint32(len(tag))); err != nil {
				return err
			}
			if _, err := w.Write([]byte(tag)); err != nil {
				return err
			}
		}
	}
	return nil
}

type persistedData struct {
	id         uint64
	vector     []float32
	insertedAt time.Time
	confidence float64
	tags       []string
}

func readData(path string, count int) ([]persistedData, error) {
	out := make([]persistedData, 0, count)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for i := 0; i < count; i++ {
		var pd persistedData
		if err := binary.Read(r, binary.BigEndian, &pd.id); err != nil {
			return nil, fmt.Errorf("truncated data file at node %d: %w", i, err)
		}
		var vecLen uint32
		if err := binary.Read(r, binary.BigEndian, &vecLen); err != nil {
			return nil, fmt.Errorf("truncated data file reading vector length: %w", err)
		}
		pd.vector = make([]float32, vecLen)
		for j := range pd.vector {
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("truncated data file reading vector: %w", err)
			}
			pd.vector[j] = math.Float32frombits(bits)
		}
		var insertedMS uint64
		if err := binary.Read(r, binary.BigEndian, &insertedMS); err != nil {
			return nil, fmt.Errorf("truncated data file reading inserted_at: %w", err)
		}
		pd.insertedAt = time.UnixMilli(int64(insertedMS)).UTC()
		var confBits uint64
		if err := binary.Read(r, binary.BigEndian, &confBits); err != nil {
			return nil, fmt.Errorf("truncated data file reading confidence: %w", err)
		}
		pd.confidence = math.Float64frombits(confBits)
		var tagCount uint32
		if err := binary.Read(r, binary.BigEndian, &tagCount); err != nil {
			return nil, fmt.Errorf("truncated data file reading tag count: %w", err)
		}
		pd.tags = make([]string, tagCount)
		for j := range pd.tags {
			var tagLen uint32
			if err := binary.Read(r, binary.BigEndian, &tagLen); err != nil {
				return nil, fmt.Errorf("truncated data file reading tag length: %w", err)
			}
			buf := make([]byte, tagLen)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("truncated data file reading tag: %w", err)
			}
			pd.tags[j] = string(buf)
		}
		out = append(out, pd)
	}
	return out, nil
}

// writeLevels encodes {node_id, level}, redundant with the per-node level
// carried in the graph file but kept as its own sibling artifact for
// loaders that only need assignment levels (e.g. a level-distribution audit)
// without paying to decode the full neighbor graph.
func writeLevels(w io.Writer, nodes []*node) error {
	for _, n := range nodes {
		if err := binary.Write(w, binary.BigEndian, n.id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(n.level)); err != nil {
			return err
		}
	}
	return nil
}

func readLevels(path string, count int) (map[uint64]int, error) {
	out := make(map[uint64]int, count)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for i := 0; i < count; i++ {
		var id uint64
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return nil, fmt.Errorf("truncated levels file at node %d: %w", i, err)
		}
		var level uint32
		if err := binary.Read(r, binary.BigEndian, &level); err != nil {
			return nil, fmt.Errorf("truncated levels file reading level: %w", err)
		}
		out[id] = int(level)
	}
	return out, nil
}

// Load reads a snapshot written by Save, rejecting partial/corrupt files
// rather than silently falling back — callers (cmd/cybersyn's boot path)
// start a fresh index and emit a pain signal on error, per the corrupted-
// state failure policy.
func Load(basePath string) (*Index, error) {
	headerPath, graphPath, dataPath, levelsPath := paths(basePath)

	hi, err := readHeader(headerPath)
	if err != nil {
		return nil, cyberr.Wrap(cyberr.CorruptedState, "failed to read hnsw header", err)
	}
	if hi.version != CurrentVersion {
		return nil, cyberr.New(cyberr.CorruptedState, fmt.Sprintf("unsupported hnsw snapshot version %d", hi.version))
	}

	params := Params{M: int(hi.m), Ef: int(hi.ef), EfConstruction: int(hi.efConstr), Distance: hi.distance}
	idx := New(params)
	idx.entryPoint = hi.entryPoint
	idx.hasEntry = hi.hasEntry
	idx.nextID = hi.nextID

	graphs, err := readGraph(graphPath, int(hi.nodeCount))
	if err != nil {
		return nil, cyberr.Wrap(cyberr.CorruptedState, "failed to read hnsw graph file", err)
	}
	data, err := readData(dataPath, int(hi.nodeCount))
	if err != nil {
		return nil, cyberr.Wrap(cyberr.CorruptedState, "failed to read hnsw data file", err)
	}
	levels, err := readLevels(levelsPath, int(hi.nodeCount))
	if err != nil {
		return nil, cyberr.Wrap(cyberr.CorruptedState, "failed to read hnsw levels file", err)
	}

	for _, pd := range data {
		neighbors, ok := graphs[pd.id]
		if !ok {
			return nil, cyberr.New(cyberr.CorruptedState, fmt.Sprintf("node %d missing from graph file", pd.id))
		}
		level, ok := levels[pd.id]
		if !ok {
			return nil, cyberr.New(cyberr.CorruptedState, fmt.Sprintf("node %d missing from levels file", pd.id))
		}
		idx.nodes[pd.id] = &node{
			id:        pd.id,
			level:     level,
			vector:    pd.vector,
			metadata:  NodeMetadata{InsertedAt: pd.insertedAt, Confidence: pd.confidence, Tags: pd.tags},
			neighbors: neighbors,
		}
	}

	metrics.HNSWNodesTotal.Set(float64(len(idx.nodes)))
	return idx, nil
}
