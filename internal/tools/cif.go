package tools

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// ErrCIFParse marks structure files whose contents cannot be interpreted.
var ErrCIFParse = errors.New("cif parse error")

// Atom is one site in fractional coordinates.
type Atom struct {
	Label  string
	Symbol string
	Frac   [3]float64
}

// Structure is a periodic crystal: cell lengths in Å, angles in degrees and
// the sites in P1. Symmetry operations are not expanded.
type Structure struct {
	Name       string
	Lengths    [3]float64
	Angles     [3]float64
	SpaceGroup string
	Atoms      []Atom
}

// ReadCIF reads a structure file. Open and read failures are returned as
// is; content problems wrap ErrCIFParse.
func ReadCIF(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCIF(f)
}

var cellTags = map[string]func(s *Structure) *float64{
	"_cell_length_a":    func(s *Structure) *float64 { return &s.Lengths[0] },
	"_cell_length_b":    func(s *Structure) *float64 { return &s.Lengths[1] },
	"_cell_length_c":    func(s *Structure) *float64 { return &s.Lengths[2] },
	"_cell_angle_alpha": func(s *Structure) *float64 { return &s.Angles[0] },
	"_cell_angle_beta":  func(s *Structure) *float64 { return &s.Angles[1] },
	"_cell_angle_gamma": func(s *Structure) *float64 { return &s.Angles[2] },
}

// ParseCIF reads the first data block: cell parameters, space group name
// and the _atom_site loop. Other loops and text fields are skipped.
func ParseCIF(r io.Reader) (*Structure, error) {
	s := &Structure{Angles: [3]float64{90, 90, 90}}
	var (
		lengths  int
		inLoop   bool
		loopRows bool
		inText   bool
		headers  []string
	)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		if strings.HasPrefix(raw, ";") {
			inText = !inText
			continue
		}
		line := strings.TrimSpace(raw)
		if inText || line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "data_") {
			if s.Name != "" {
				break
			}
			s.Name = strings.TrimPrefix(line, "data_")
			continue
		}
		if strings.EqualFold(line, "loop_") {
			inLoop, loopRows, headers = true, false, nil
			continue
		}

		fields, err := splitCIFFields(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCIFParse, lineNo, err)
		}
		if len(fields) == 0 {
			continue
		}

		if strings.HasPrefix(fields[0], "_") {
			if inLoop && !loopRows {
				headers = append(headers, fields[0])
				continue
			}
			inLoop = false
			if err := s.setTag(fields); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrCIFParse, lineNo, err)
			}
			if strings.HasPrefix(strings.ToLower(fields[0]), "_cell_length_") {
				lengths++
			}
			continue
		}

		if !inLoop {
			continue
		}
		loopRows = true
		if !isAtomSiteLoop(headers) {
			continue
		}
		atom, err := parseAtomRow(headers, fields)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCIFParse, lineNo, err)
		}
		s.Atoms = append(s.Atoms, atom)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if lengths < 3 {
		return nil, fmt.Errorf("%w: cell lengths missing", ErrCIFParse)
	}
	for i, l := range s.Lengths {
		if l <= 0 {
			return nil, fmt.Errorf("%w: cell length %c is %g", ErrCIFParse, "abc"[i], l)
		}
	}
	if len(s.Atoms) == 0 {
		return nil, fmt.Errorf("%w: no atom sites", ErrCIFParse)
	}
	if _, err := s.Cell(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCIFParse, err)
	}
	return s, nil
}

func isAtomSiteLoop(headers []string) bool {
	for _, h := range headers {
		if strings.HasPrefix(strings.ToLower(h), "_atom_site_fract_") {
			return true
		}
	}
	return false
}

func (s *Structure) setTag(fields []string) error {
	tag := strings.ToLower(fields[0])
	if ptr, ok := cellTags[tag]; ok {
		if len(fields) < 2 {
			return fmt.Errorf("%s has no value", fields[0])
		}
		v, err := parseNumber(fields[1])
		if err != nil {
			return fmt.Errorf("%s is not a number", tag)
		}
		*ptr(s) = v
		return nil
	}
	if strings.HasPrefix(tag, "_symmetry_space_group_name_h-m") || strings.HasPrefix(tag, "_space_group_name_h-m") {
		if len(fields) > 1 {
			s.SpaceGroup = fields[1]
		}
	}
	return nil
}

func parseAtomRow(headers, fields []string) (Atom, error) {
	if len(fields) != len(headers) {
		return Atom{}, fmt.Errorf("atom row has %d values for %d columns", len(fields), len(headers))
	}
	var a Atom
	var have [3]bool
	for i, h := range headers {
		v := fields[i]
		h = strings.ToLower(h)
		switch h {
		case "_atom_site_label":
			a.Label = v
		case "_atom_site_type_symbol":
			a.Symbol = v
		case "_atom_site_fract_x", "_atom_site_fract_y", "_atom_site_fract_z":
			axis := int(h[len(h)-1] - 'x')
			f, err := parseNumber(v)
			if err != nil {
				return Atom{}, fmt.Errorf("%s is not a number", h)
			}
			a.Frac[axis] = f
			have[axis] = true
		}
	}
	if !have[0] || !have[1] || !have[2] {
		return Atom{}, errors.New("atom row lacks fractional coordinates")
	}
	if a.Symbol == "" {
		a.Symbol = symbolFromLabel(a.Label)
	}
	if a.Symbol == "" {
		return Atom{}, errors.New("atom row has no element")
	}
	return a, nil
}

// symbolFromLabel takes the leading letters of a site label: "Cu1" -> "Cu".
func symbolFromLabel(label string) string {
	end := 0
	for end < len(label) && end < 2 && unicode.IsLetter(rune(label[end])) {
		end++
	}
	if end == 2 && !unicode.IsLower(rune(label[1])) {
		end = 1
	}
	return label[:end]
}

// parseNumber accepts CIF numbers with a standard uncertainty suffix,
// e.g. "26.343(2)".
func parseNumber(s string) (float64, error) {
	if i := strings.IndexByte(s, '('); i > 0 {
		s = s[:i]
	}
	return strconv.ParseFloat(s, 64)
}

// splitCIFFields splits on whitespace, keeping quoted values together.
func splitCIFFields(line string) ([]string, error) {
	var fields []string
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(line[i+1:], c)
			if end < 0 {
				return nil, errors.New("unterminated quoted value")
			}
			fields = append(fields, line[i+1:i+1+end])
			i += end + 2
		default:
			end := strings.IndexAny(line[i:], " \t")
			if end < 0 {
				end = len(line) - i
			}
			fields = append(fields, line[i:i+end])
			i += end
		}
	}
	return fields, nil
}

// WriteCIF writes s in P1 to path.
func WriteCIF(path string, s *Structure) error {
	var b strings.Builder
	name := s.Name
	if name == "" {
		name = "structure"
	}
	fmt.Fprintf(&b, "data_%s\n", name)
	fmt.Fprintf(&b, "_cell_length_a    %.6f\n", s.Lengths[0])
	fmt.Fprintf(&b, "_cell_length_b    %.6f\n", s.Lengths[1])
	fmt.Fprintf(&b, "_cell_length_c    %.6f\n", s.Lengths[2])
	fmt.Fprintf(&b, "_cell_angle_alpha %.4f\n", s.Angles[0])
	fmt.Fprintf(&b, "_cell_angle_beta  %.4f\n", s.Angles[1])
	fmt.Fprintf(&b, "_cell_angle_gamma %.4f\n", s.Angles[2])
	sg := s.SpaceGroup
	if sg == "" {
		sg = "P 1"
	}
	fmt.Fprintf(&b, "_symmetry_space_group_name_H-M '%s'\n\n", sg)
	b.WriteString("loop_\n_atom_site_label\n_atom_site_type_symbol\n_atom_site_fract_x\n_atom_site_fract_y\n_atom_site_fract_z\n")
	for _, a := range s.Atoms {
		label := a.Label
		if label == "" {
			label = a.Symbol
		}
		fmt.Fprintf(&b, "%s %s %.6f %.6f %.6f\n", label, a.Symbol, a.Frac[0], a.Frac[1], a.Frac[2])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// Cell returns the lattice vectors as rows, a along x and b in the xy plane.
func (s *Structure) Cell() ([3][3]float64, error) {
	a, b, c := s.Lengths[0], s.Lengths[1], s.Lengths[2]
	rad := math.Pi / 180
	ca, cb, cg := math.Cos(s.Angles[0]*rad), math.Cos(s.Angles[1]*rad), math.Cos(s.Angles[2]*rad)
	sg := math.Sin(s.Angles[2] * rad)
	if sg < 1e-8 {
		return [3][3]float64{}, fmt.Errorf("degenerate cell angle gamma %g", s.Angles[2])
	}
	cx := c * cb
	cy := c * (ca - cb*cg) / sg
	cz2 := c*c - cx*cx - cy*cy
	if cz2 <= 0 {
		return [3][3]float64{}, errors.New("cell angles do not form a valid lattice")
	}
	return [3][3]float64{
		{a, 0, 0},
		{b * cg, b * sg, 0},
		{cx, cy, math.Sqrt(cz2)},
	}, nil
}

// Cartesian returns the atom positions in Å as a flat x0 y0 z0 x1 ... slice.
func (s *Structure) Cartesian(cell [3][3]float64) []float64 {
	out := make([]float64, 3*len(s.Atoms))
	for i, a := range s.Atoms {
		for k := 0; k < 3; k++ {
			out[3*i+k] = a.Frac[0]*cell[0][k] + a.Frac[1]*cell[1][k] + a.Frac[2]*cell[2][k]
		}
	}
	return out
}

// WithCartesian returns a copy of s with positions taken from x, wrapped
// into the unit cell.
func (s *Structure) WithCartesian(cell [3][3]float64, x []float64) *Structure {
	inv := invertLower(cell)
	out := *s
	out.Atoms = make([]Atom, len(s.Atoms))
	for i, a := range s.Atoms {
		r := [3]float64{x[3*i], x[3*i+1], x[3*i+2]}
		f := toFractional(inv, r)
		for k := range f {
			f[k] -= math.Floor(f[k])
		}
		a.Frac = f
		out.Atoms[i] = a
	}
	out.SpaceGroup = "P 1"
	return &out
}

// invertLower inverts the lower-triangular cell matrix.
func invertLower(m [3][3]float64) [3][3]float64 {
	var inv [3][3]float64
	inv[0][0] = 1 / m[0][0]
	inv[1][1] = 1 / m[1][1]
	inv[2][2] = 1 / m[2][2]
	inv[1][0] = -m[1][0] * inv[0][0] * inv[1][1]
	inv[2][1] = -m[2][1] * inv[1][1] * inv[2][2]
	inv[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) * inv[0][0] * inv[1][1] * inv[2][2]
	return inv
}

// toFractional solves f·M = r for f, given inv = M⁻¹.
func toFractional(inv [3][3]float64, r [3]float64) [3]float64 {
	var f [3]float64
	for j := 0; j < 3; j++ {
		f[j] = r[0]*inv[0][j] + r[1]*inv[1][j] + r[2]*inv[2][j]
	}
	return f
}
