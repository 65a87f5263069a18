package trie

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/table"
)

// Loader reconstructs MetaTables and BloomContainers by mtid while
// parsing a persisted trie. The engine implements this over its meta
// directory and per-level ContainerMaps; trie itself never opens a file.
type Loader interface {
	// LoadMetaTable reconstructs the MetaTable for mtid. level is the
	// owning node's StartBit/3, identifying which per-level ContainerMap
	// holds its barrel pages.
	LoadMetaTable(mtid uint64, level uint) (*table.MetaTable, error)
	LoadBloomContainer(mtid uint64) (*bloom.Container, error)
}

// Dump serializes the trie rooted at root as a LISP-like nested form,
// followed by a trailing decimal next_mtid line.
//
// '[' <start_bit> '<'|'<!' <mtid hex>* '>'|'>!' <bc_mtid> (8 children) ']'
// Empty node = '[]'. Tokens are newline-separated: the wire format does
// not need to match a legacy binary layout byte-for-byte, only to be an
// unambiguous pre-order encoding of the same structure.
func Dump(w io.Writer, root *Node, nextMTID uint64) error {
	bw := bufio.NewWriter(w)
	if err := dumpNode(bw, root); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "%d\n", nextMTID); err != nil {
		return err
	}
	return bw.Flush()
}

func dumpNode(w *bufio.Writer, n *Node) error {
	if n == nil || n.isEmpty() {
		_, err := w.WriteString("[]\n")
		return err
	}

	mts := n.MetaTables()
	bc := n.BloomContainer()

	if _, err := fmt.Fprintf(w, "[ %d\n", n.StartBit); err != nil {
		return err
	}
	if bc != nil {
		if _, err := w.WriteString("<!\n"); err != nil {
			return err
		}
	} else if _, err := w.WriteString("<\n"); err != nil {
		return err
	}
	for _, mt := range mts {
		if _, err := fmt.Fprintf(w, "%x\n", mt.MTID); err != nil {
			return err
		}
	}
	if bc != nil {
		if _, err := fmt.Fprintf(w, ">! %x\n", bc.MTID()); err != nil {
			return err
		}
	} else if _, err := w.WriteString(">\n"); err != nil {
		return err
	}
	for i := uint8(0); i < 8; i++ {
		if err := dumpNode(w, n.childIfPresent(i)); err != nil {
			return err
		}
	}
	_, err := w.WriteString("]\n")
	return err
}

func (n *Node) isEmpty() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.metaTables) != 0 || n.bc != nil {
		return false
	}
	for _, c := range n.children {
		if c != nil {
			return false
		}
	}
	return true
}

// Load reconstructs a trie from a stream produced by Dump.
func Load(r io.Reader, loader Loader) (root *Node, nextMTID uint64, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	root, err = loadNode(sc, loader)
	if err != nil {
		return nil, 0, err
	}
	if !sc.Scan() {
		return nil, 0, fmt.Errorf("trie: missing trailing next_mtid line")
	}
	nextMTID, err = strconv.ParseUint(strings.TrimSpace(sc.Text()), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("trie: bad next_mtid line: %w", err)
	}
	return root, nextMTID, sc.Err()
}

func loadNode(sc *bufio.Scanner, loader Loader) (*Node, error) {
	if !sc.Scan() {
		return nil, io.ErrUnexpectedEOF
	}
	line := strings.TrimSpace(sc.Text())
	if line == "[]" {
		return nil, nil
	}

	parts := strings.Fields(line)
	if len(parts) != 2 || parts[0] != "[" {
		return nil, fmt.Errorf("trie: malformed node header %q", line)
	}
	startBit, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("trie: bad start_bit in %q: %w", line, err)
	}
	n := &Node{StartBit: uint(startBit)}

	if !sc.Scan() {
		return nil, io.ErrUnexpectedEOF
	}
	openMarker := strings.TrimSpace(sc.Text())
	if openMarker != "<" && openMarker != "<!" {
		return nil, fmt.Errorf("trie: bad open marker %q", openMarker)
	}

	for {
		if !sc.Scan() {
			return nil, io.ErrUnexpectedEOF
		}
		tok := strings.TrimSpace(sc.Text())
		if tok == ">" || strings.HasPrefix(tok, ">!") {
			if strings.HasPrefix(tok, ">!") {
				fields := strings.Fields(tok)
				if len(fields) != 2 {
					return nil, fmt.Errorf("trie: bad close marker %q", tok)
				}
				bcid, err := strconv.ParseUint(fields[1], 16, 64)
				if err != nil {
					return nil, fmt.Errorf("trie: bad bc mtid in %q: %w", tok, err)
				}
				bc, err := loader.LoadBloomContainer(bcid)
				if err != nil {
					return nil, err
				}
				n.bc = bc
			}
			break
		}
		mtid, err := strconv.ParseUint(tok, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("trie: bad mtid token %q: %w", tok, err)
		}
		mt, err := loader.LoadMetaTable(mtid, n.StartBit/3)
		if err != nil {
			return nil, err
		}
		n.metaTables = append(n.metaTables, mt)
	}

	for i := uint8(0); i < 8; i++ {
		child, err := loadNode(sc, loader)
		if err != nil {
			return nil, err
		}
		n.children[i] = child
	}

	return n, nil
}
