package memory

import "fmt"

// Composite joins non-overlapping spaces into one address space. Each
// operation is routed to the space that maps its start address.
type Composite struct {
	spaces []Space
}

// NewComposite creates a composite of spaces
func NewComposite(spaces ...Space) *Composite {
	return &Composite{spaces: spaces}
}

func (c *Composite) route(addr uintptr) (Space, error) {
	for _, s := range c.spaces {
		if _, err := s.Query(addr); err == nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%#x: %w", addr, ErrUnmapped)
}

// Query implements Space
func (c *Composite) Query(addr uintptr) (Region, error) {
	s, err := c.route(addr)
	if err != nil {
		return Region{}, err
	}
	return s.Query(addr)
}

// Read implements Space
func (c *Composite) Read(addr uintptr, n int) ([]byte, error) {
	s, err := c.route(addr)
	if err != nil {
		return nil, err
	}
	return s.Read(addr, n)
}

// Write implements Space
func (c *Composite) Write(addr uintptr, data []byte) error {
	s, err := c.route(addr)
	if err != nil {
		return err
	}
	return s.Write(addr, data)
}

// Protect implements Space
func (c *Composite) Protect(addr uintptr, n int, prot Prot) error {
	s, err := c.route(addr)
	if err != nil {
		return err
	}
	return s.Protect(addr, n, prot)
}
