package tools

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCIF = `# generated
data_HKUST-1
_cell_length_a    26.343(2)
_cell_length_b    26.343
_cell_length_c    26.343
_cell_angle_alpha 90.0
_cell_angle_beta  90.0
_cell_angle_gamma 90.0
_symmetry_space_group_name_H-M 'F m -3 m'

loop_
_symmetry_equiv_pos_as_xyz
'x, y, z'
'-x, -y, z'

loop_
_atom_site_label
_atom_site_type_symbol
_atom_site_fract_x
_atom_site_fract_y
_atom_site_fract_z
Cu1 Cu 0.250 0.250 0.250
O1  O  0.200 0.200 0.200
C1  C  0.150 0.150 0.150
`

func TestParseCIF(t *testing.T) {
	s, err := ParseCIF(strings.NewReader(sampleCIF))
	require.NoError(t, err)

	assert.Equal(t, "HKUST-1", s.Name)
	assert.Equal(t, [3]float64{26.343, 26.343, 26.343}, s.Lengths)
	assert.Equal(t, [3]float64{90, 90, 90}, s.Angles)
	assert.Equal(t, "F m -3 m", s.SpaceGroup)
	require.Len(t, s.Atoms, 3)
	assert.Equal(t, Atom{Label: "Cu1", Symbol: "Cu", Frac: [3]float64{0.25, 0.25, 0.25}}, s.Atoms[0])
	assert.Equal(t, "C", s.Atoms[2].Symbol)
}

func TestParseCIF_SymbolFromLabel(t *testing.T) {
	cif := `data_x
_cell_length_a 10
_cell_length_b 10
_cell_length_c 10
loop_
_atom_site_label
_atom_site_fract_x
_atom_site_fract_y
_atom_site_fract_z
Zn1 0.1 0.1 0.1
O12 0.2 0.2 0.2
`
	s, err := ParseCIF(strings.NewReader(cif))
	require.NoError(t, err)
	assert.Equal(t, "Zn", s.Atoms[0].Symbol)
	assert.Equal(t, "O", s.Atoms[1].Symbol)
	assert.Equal(t, [3]float64{90, 90, 90}, s.Angles, "angles default to orthogonal")
}

func TestParseCIF_Errors(t *testing.T) {
	tests := []struct {
		name string
		cif  string
	}{
		{"empty", ""},
		{"no cell", "data_x\nloop_\n_atom_site_label\n_atom_site_fract_x\n_atom_site_fract_y\n_atom_site_fract_z\nC1 0 0 0\n"},
		{"no atoms", "data_x\n_cell_length_a 1\n_cell_length_b 1\n_cell_length_c 1\n"},
		{"bad number", "data_x\n_cell_length_a ten\n"},
		{"short row", "data_x\n_cell_length_a 1\n_cell_length_b 1\n_cell_length_c 1\nloop_\n_atom_site_label\n_atom_site_fract_x\n_atom_site_fract_y\n_atom_site_fract_z\nC1 0 0\n"},
		{"zero length", "data_x\n_cell_length_a 0\n_cell_length_b 1\n_cell_length_c 1\nloop_\n_atom_site_label\n_atom_site_fract_x\n_atom_site_fract_y\n_atom_site_fract_z\nC1 0 0 0\n"},
		{"unterminated quote", "data_x\n_symmetry_space_group_name_H-M 'P 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCIF(strings.NewReader(tt.cif))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCIFParse)
		})
	}
}

func TestReadCIF_Missing(t *testing.T) {
	_, err := ReadCIF(filepath.Join(t.TempDir(), "nope.cif"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrCIFParse)
}

func TestWriteCIF_ReadBack(t *testing.T) {
	s, err := ParseCIF(strings.NewReader(sampleCIF))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.cif")
	require.NoError(t, WriteCIF(path, s))

	got, err := ReadCIF(path)
	require.NoError(t, err)
	assert.Equal(t, s.Name, got.Name)
	assert.Equal(t, s.Lengths, got.Lengths)
	assert.Equal(t, s.Atoms, got.Atoms)
}

func TestCell_Triclinic(t *testing.T) {
	s := &Structure{Lengths: [3]float64{5, 6, 7}, Angles: [3]float64{80, 95, 110}}
	cell, err := s.Cell()
	require.NoError(t, err)

	for i, want := range s.Lengths {
		assert.InDelta(t, want, norm(cell[i]), 1e-9)
	}
	cosGamma := (cell[0][0]*cell[1][0] + cell[0][1]*cell[1][1] + cell[0][2]*cell[1][2]) / (5 * 6)
	assert.InDelta(t, math.Cos(110*math.Pi/180), cosGamma, 1e-9)

	_, err = (&Structure{Lengths: [3]float64{1, 1, 1}, Angles: [3]float64{90, 90, 0}}).Cell()
	assert.Error(t, err)
}

func TestCartesianRoundTrip(t *testing.T) {
	s := &Structure{
		Lengths: [3]float64{5, 6, 7},
		Angles:  [3]float64{80, 95, 110},
		Atoms: []Atom{
			{Symbol: "C", Frac: [3]float64{0.1, 0.2, 0.3}},
			{Symbol: "O", Frac: [3]float64{0.9, 0.5, 0.05}},
		},
	}
	cell, err := s.Cell()
	require.NoError(t, err)

	back := s.WithCartesian(cell, s.Cartesian(cell))
	for i := range s.Atoms {
		for k := 0; k < 3; k++ {
			assert.InDelta(t, s.Atoms[i].Frac[k], back.Atoms[i].Frac[k], 1e-9)
		}
	}
	assert.Equal(t, "P 1", back.SpaceGroup)
}

func TestWithCartesian_WrapsIntoCell(t *testing.T) {
	s := &Structure{Lengths: [3]float64{10, 10, 10}, Angles: [3]float64{90, 90, 90}, Atoms: []Atom{{Symbol: "C"}}}
	cell, err := s.Cell()
	require.NoError(t, err)

	got := s.WithCartesian(cell, []float64{-1, 12, 5})
	assert.InDelta(t, 0.9, got.Atoms[0].Frac[0], 1e-9)
	assert.InDelta(t, 0.2, got.Atoms[0].Frac[1], 1e-9)
	assert.InDelta(t, 0.5, got.Atoms[0].Frac[2], 1e-9)
}
