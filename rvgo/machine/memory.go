package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

var ErrMemoryLimit = errors.New("machine: page limit reached")

type Page [uarch.PageSize]byte

// Memory is sparse physical memory. Pages are allocated on first touch and
// read as zeroes until then.
type Memory struct {
	pages map[uint64]*Page

	// maximum number of allocated pages, 0 for no limit
	maxPages uint64

	// two caches: we often read instructions from one page, and do memory things with another page.
	// this prevents map lookups each instruction
	lastPageKeys [2]uint64
	lastPage     [2]*Page
}

func NewMemory() *Memory {
	return &Memory{
		pages:        make(map[uint64]*Page),
		lastPageKeys: [2]uint64{^uint64(0), ^uint64(0)}, // default to invalid keys, to not match any pages
	}
}

func (m *Memory) PageCount() int {
	return len(m.pages)
}

func (m *Memory) pageLookup(pageIndex uint64) (*Page, bool) {
	// hit caches
	if pageIndex == m.lastPageKeys[0] {
		return m.lastPage[0], true
	}
	if pageIndex == m.lastPageKeys[1] {
		return m.lastPage[1], true
	}
	p, ok := m.pages[pageIndex]

	// only cache existing pages.
	if ok {
		m.lastPageKeys[1] = m.lastPageKeys[0]
		m.lastPage[1] = m.lastPage[0]
		m.lastPageKeys[0] = pageIndex
		m.lastPage[0] = p
	}

	return p, ok
}

// AllocPage returns the page, allocating it if needed.
func (m *Memory) AllocPage(pageIndex uint64) (*Page, error) {
	if p, ok := m.pageLookup(pageIndex); ok {
		return p, nil
	}
	if m.maxPages != 0 && uint64(len(m.pages)) >= m.maxPages {
		return nil, fmt.Errorf("%w: %d pages, cannot allocate page at %#x", ErrMemoryLimit, len(m.pages), pageIndex<<uarch.PageAddrSize)
	}
	p := new(Page)
	m.pages[pageIndex] = p
	return p, nil
}

func (m *Memory) SetMemoryRange(addr uint64, r io.Reader) error {
	for {
		pageIndex := addr >> uarch.PageAddrSize
		pageAddr := addr & uarch.PageAddrMask
		p, err := m.AllocPage(pageIndex)
		if err != nil {
			return err
		}
		n, err := r.Read(p[pageAddr:])
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		addr += uint64(n)
	}
}

type memReader struct {
	m     *Memory
	addr  uint64
	count uint64
}

func (r *memReader) Read(dest []byte) (n int, err error) {
	if r.count == 0 {
		return 0, io.EOF
	}

	// Keep iterating over memory until we have all our data.
	// It may not be aligned
	endAddr := r.addr + r.count

	pageIndex := r.addr >> uarch.PageAddrSize
	start := r.addr & uarch.PageAddrMask
	end := uint64(uarch.PageSize)

	if pageIndex == (endAddr >> uarch.PageAddrSize) {
		end = endAddr & uarch.PageAddrMask
	}
	p, ok := r.m.pageLookup(pageIndex)
	if ok {
		n = copy(dest, p[start:end])
	} else {
		n = copy(dest, make([]byte, end-start)) // default to zeroes
	}
	r.addr += uint64(n)
	r.count -= uint64(n)
	return n, nil
}

func (m *Memory) ReadMemoryRange(addr uint64, count uint64) io.Reader {
	return &memReader{m: m, addr: addr, count: count}
}

type pageEntry struct {
	Index hexutil.Uint64 `json:"index"`
	Data  hexutil.Bytes  `json:"data"`
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	pages := make([]pageEntry, 0, len(m.pages))
	for k, p := range m.pages {
		pages = append(pages, pageEntry{
			Index: hexutil.Uint64(k),
			Data:  p[:],
		})
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Index < pages[j].Index
	})
	return json.Marshal(pages)
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	var pages []pageEntry
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}
	m.pages = make(map[uint64]*Page)
	m.lastPageKeys = [2]uint64{^uint64(0), ^uint64(0)}
	m.lastPage = [2]*Page{nil, nil}
	for i, p := range pages {
		if _, ok := m.pages[uint64(p.Index)]; ok {
			return fmt.Errorf("cannot load duplicate page, entry %d, page index %d", i, p.Index)
		}
		if len(p.Data) != uarch.PageSize {
			return fmt.Errorf("page entry %d has %d bytes, expected %d", i, len(p.Data), uarch.PageSize)
		}
		page := new(Page)
		copy(page[:], p.Data)
		m.pages[uint64(p.Index)] = page
	}
	return nil
}

func (m *Memory) Usage() string {
	total := uint64(len(m.pages)) * uarch.PageSize
	const unit = 1024
	if total < unit {
		return fmt.Sprintf("%d B", total)
	}
	div, exp := uint64(unit), 0
	for n := total / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	// KiB, MiB, GiB, TiB, ...
	return fmt.Sprintf("%.1f %ciB", float64(total)/float64(div), "KMGTPE"[exp])
}
