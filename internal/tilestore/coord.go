package tilestore

import "fmt"

// Coord identifies a tile on the flat paint canvas grid. Unlike a web-map
// tile pyramid there is no zoom level: the canvas is a single plane of
// TilePx x TilePx tiles addressed by integer column/row.
type Coord struct {
	X int
	Y int
}

// String renders the coordinate in the on-disk naming convention
// "tile_<x>_<y>" used throughout the filesystem layout.
func (c Coord) String() string {
	return fmt.Sprintf("tile_%d_%d", c.X, c.Y)
}

// ObjectID returns the registry object id convention for this tile.
func (c Coord) ObjectID() string {
	return c.String()
}

// Path returns the canonical filename for this tile's raster with the given extension.
func (c Coord) Path(extension string) string {
	return fmt.Sprintf("%s.%s", c.String(), extension)
}

// ParseCoord parses a string of the form "tile_<x>_<y>" back into a Coord.
func ParseCoord(s string) (Coord, error) {
	var c Coord
	n, err := fmt.Sscanf(s, "tile_%d_%d", &c.X, &c.Y)
	if err != nil || n != 2 {
		return c, fmt.Errorf("invalid tile coordinate format: %q", s)
	}
	return c, nil
}
