package tools

import (
	"math"
	"strings"
	"unicode"
)

// kcalPerMolToEV converts UFF well depths to eV.
const kcalPerMolToEV = 0.0433641

const (
	maxCutoff = 10.0
	minPairR  = 0.1
)

// ljParams are UFF Lennard-Jones parameters: sigma in Å, epsilon in
// kcal/mol.
var ljParams = map[string][2]float64{
	"H":  {2.571, 0.044},
	"C":  {3.431, 0.105},
	"N":  {3.261, 0.069},
	"O":  {3.118, 0.060},
	"F":  {2.997, 0.050},
	"Cl": {3.516, 0.227},
	"Cu": {3.114, 0.005},
	"Zn": {2.462, 0.124},
	"Zr": {2.783, 0.069},
	"Cr": {2.693, 0.015},
	"Co": {2.559, 0.014},
	"Ni": {2.525, 0.015},
	"Fe": {2.594, 0.013},
	"Mg": {2.691, 0.111},
	"Al": {4.008, 0.505},
}

var defaultLJ = [2]float64{3.0, 0.05}

// pairPotential is a truncated Lennard-Jones model under periodic boundary
// conditions with the minimum image convention. Pair parameters follow
// Lorentz-Berthelot mixing.
type pairPotential struct {
	cell   [3][3]float64
	inv    [3][3]float64
	cutoff float64
	sigma  []float64
	eps    []float64
}

func newPairPotential(s *Structure, cell [3][3]float64) *pairPotential {
	p := &pairPotential{
		cell:   cell,
		inv:    invertLower(cell),
		cutoff: maxCutoff,
		sigma:  make([]float64, len(s.Atoms)),
		eps:    make([]float64, len(s.Atoms)),
	}
	// minimum image is only exact within half the shortest perpendicular
	// cell width
	for _, w := range perpendicularWidths(cell) {
		if w/2 < p.cutoff {
			p.cutoff = w / 2
		}
	}
	for i, a := range s.Atoms {
		params, ok := ljParams[normalizeSymbol(a.Symbol)]
		if !ok {
			params = defaultLJ
		}
		p.sigma[i] = params[0]
		p.eps[i] = params[1] * kcalPerMolToEV
	}
	return p
}

// normalizeSymbol maps "CU", "cu" and "Cu2+" to "Cu".
func normalizeSymbol(s string) string {
	end := 0
	for end < len(s) && end < 2 && unicode.IsLetter(rune(s[end])) {
		end++
	}
	s = s[:end]
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// perpendicularWidths returns the distances between opposite cell faces.
func perpendicularWidths(m [3][3]float64) [3]float64 {
	vol := math.Abs(m[0][0] * m[1][1] * m[2][2])
	var w [3]float64
	for i := 0; i < 3; i++ {
		j, k := (i+1)%3, (i+2)%3
		w[i] = vol / norm(cross(m[j], m[k]))
	}
	return w
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// minimumImage returns the shortest periodic displacement from j to i.
func (p *pairPotential) minimumImage(x []float64, i, j int) [3]float64 {
	d := [3]float64{x[3*i] - x[3*j], x[3*i+1] - x[3*j+1], x[3*i+2] - x[3*j+2]}
	f := toFractional(p.inv, d)
	for k := range f {
		f[k] -= math.Round(f[k])
	}
	var r [3]float64
	for k := 0; k < 3; k++ {
		r[k] = f[0]*p.cell[0][k] + f[1]*p.cell[1][k] + f[2]*p.cell[2][k]
	}
	return r
}

// Energy returns the total energy in eV for flat Cartesian positions x.
func (p *pairPotential) Energy(x []float64) float64 {
	return p.evaluate(x, nil)
}

// Gradient writes dE/dx into grad.
func (p *pairPotential) Gradient(grad, x []float64) {
	p.evaluate(x, grad)
}

func (p *pairPotential) evaluate(x, grad []float64) float64 {
	for i := range grad {
		grad[i] = 0
	}
	n := len(x) / 3
	energy := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := p.minimumImage(x, i, j)
			r := norm(d)
			if r > p.cutoff {
				continue
			}
			if r < minPairR {
				r = minPairR
			}
			sigma := (p.sigma[i] + p.sigma[j]) / 2
			eps := math.Sqrt(p.eps[i] * p.eps[j])
			sr6 := math.Pow(sigma/r, 6)
			energy += 4 * eps * (sr6*sr6 - sr6)
			if grad == nil {
				continue
			}
			dEdr := 4 * eps * (-12*sr6*sr6 + 6*sr6) / r
			for k := 0; k < 3; k++ {
				g := dEdr * d[k] / r
				grad[3*i+k] += g
				grad[3*j+k] -= g
			}
		}
	}
	return energy
}

// maxForce returns the largest force component magnitude in eV/Å.
func maxForce(grad []float64) float64 {
	m := 0.0
	for _, g := range grad {
		if a := math.Abs(g); a > m {
			m = a
		}
	}
	return m
}
