// v1
// internal/bodycomp/bodycomp.go
// Package bodycomp derives body-composition metrics from a weight and a
// bioelectrical impedance sample using the regression equations of the
// Xiaomi Mi Body Composition Scale family.
package bodycomp

import (
	"errors"
	"fmt"
)

// Sex selects the regression coefficients.
type Sex string

const (
	Male   Sex = "male"
	Female Sex = "female"
)

// ParseSex accepts "male" or "female".
func ParseSex(v string) (Sex, error) {
	switch Sex(v) {
	case Male, Female:
		return Sex(v), nil
	default:
		return "", fmt.Errorf("unsupported sex %q", v)
	}
}

// Input bundles the values required by Calculate.
type Input struct {
	WeightKg  float64
	Impedance float64
	HeightCm  float64
	Age       int
	Sex       Sex
}

// Plausibility bounds applied by Input.Validate.
const (
	MinHeightCm  = 50
	MaxHeightCm  = 220
	MaxWeightKg  = 200
	MaxAge       = 99
	MaxImpedance = 3000
)

// Validate reports inputs the regression equations are not defined for.
// Calculate itself never fails; callers gate on Validate.
func (in Input) Validate() error {
	var errs []error
	if in.WeightKg <= 0 || in.WeightKg > MaxWeightKg {
		errs = append(errs, fmt.Errorf("weight %.2fkg out of range", in.WeightKg))
	}
	if in.Impedance <= 0 || in.Impedance > MaxImpedance {
		errs = append(errs, fmt.Errorf("impedance %.0f out of range", in.Impedance))
	}
	if in.HeightCm < MinHeightCm || in.HeightCm > MaxHeightCm {
		errs = append(errs, fmt.Errorf("height %.0fcm out of range", in.HeightCm))
	}
	if in.Age < 0 || in.Age > MaxAge {
		errs = append(errs, fmt.Errorf("age %d out of range", in.Age))
	}
	if in.Sex != Male && in.Sex != Female {
		errs = append(errs, fmt.Errorf("unsupported sex %q", in.Sex))
	}
	return errors.Join(errs...)
}

// Metrics is the full composition result. Mass values are kilograms,
// ratios are percent, BasalMetabolism is kcal/day, PhysiqueRating is 0..8.
type Metrics struct {
	Weight          float64 `json:"weight"`
	BMI             float64 `json:"bmi"`
	FatPercent      float64 `json:"percent_fat"`
	MuscleMass      float64 `json:"muscle_mass"`
	BoneMass        float64 `json:"bone_mass"`
	WaterPercent    float64 `json:"percent_hydration"`
	VisceralFat     float64 `json:"visceral_fat_rating"`
	MetabolicAge    float64 `json:"metabolic_age"`
	BasalMetabolism float64 `json:"basal_met"`
	PhysiqueRating  int     `json:"physique_rating"`
	IdealWeight     float64 `json:"ideal_weight"`
	ProteinPercent  float64 `json:"protein"`
	LeanBodyMass    float64 `json:"lean_body_mass"`
}

// Calculate computes every metric for in. It is a pure function of its input.
func Calculate(in Input) Metrics {
	c := calc{in: in}
	return Metrics{
		Weight:          in.WeightKg,
		BMI:             c.bmi(),
		FatPercent:      c.fatPercentage(),
		MuscleMass:      c.muscleMass(),
		BoneMass:        c.boneMass(),
		WaterPercent:    c.waterPercentage(),
		VisceralFat:     c.visceralFat(),
		MetabolicAge:    c.metabolicAge(),
		BasalMetabolism: c.bmr(),
		PhysiqueRating:  c.bodyType(),
		IdealWeight:     c.idealWeight(),
		ProteinPercent:  c.proteinPercentage(),
		LeanBodyMass:    c.lbmCoefficient(),
	}
}

type calc struct {
	in Input
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c calc) female() bool { return c.in.Sex == Female }

func (c calc) lbmCoefficient() float64 {
	h, w := c.in.HeightCm, c.in.WeightKg
	lbm := (h * 9.058 / 100) * (h / 100)
	lbm += w*0.32 + 12.226
	lbm -= c.in.Impedance * 0.0068
	lbm -= float64(c.in.Age) * 0.0542
	return lbm
}

func (c calc) bmr() float64 {
	h, w, age := c.in.HeightCm, c.in.WeightKg, float64(c.in.Age)
	var bmr float64
	if c.female() {
		bmr = 864.6 + w*10.2036 - h*0.39336 - age*6.204
		if bmr > 2996 {
			bmr = 5000
		}
	} else {
		bmr = 877.8 + w*14.916 - h*0.726 - age*8.976
		if bmr > 2322 {
			bmr = 5000
		}
	}
	return clamp(bmr, 500, 10000)
}

func (c calc) fatPercentage() float64 {
	w, h, age := c.in.WeightKg, c.in.HeightCm, c.in.Age

	constant := 0.8
	if c.female() {
		if age <= 49 {
			constant = 9.25
		} else {
			constant = 7.25
		}
	}

	coefficient := 1.0
	switch {
	case !c.female() && w < 61:
		coefficient = 0.98
	case c.female() && w > 60:
		coefficient = 0.96
		if h > 160 {
			coefficient *= 1.03
		}
	case c.female() && w < 50:
		coefficient = 1.02
		if h > 160 {
			coefficient *= 1.03
		}
	}

	fat := (1.0 - ((c.lbmCoefficient()-constant)*coefficient)/w) * 100
	if fat > 63 {
		fat = 75
	}
	return clamp(fat, 5, 75)
}

func (c calc) waterPercentage() float64 {
	water := (100 - c.fatPercentage()) * 0.7
	coefficient := 0.98
	if water <= 50 {
		coefficient = 1.02
	}
	if water*coefficient >= 65 {
		water = 75
	}
	return clamp(water*coefficient, 35, 75)
}

func (c calc) boneMass() float64 {
	base := 0.18016894
	if c.female() {
		base = 0.245691014
	}
	bone := (base - c.lbmCoefficient()*0.05158) * -1
	if bone > 2.2 {
		bone += 0.1
	} else {
		bone -= 0.1
	}
	if (c.female() && bone > 5.1) || (!c.female() && bone > 5.2) {
		bone = 8
	}
	return clamp(bone, 0.5, 8)
}

func (c calc) muscleMass() float64 {
	w := c.in.WeightKg
	muscle := w - (c.fatPercentage()*0.01)*w - c.boneMass()
	if (c.female() && muscle >= 84) || (!c.female() && muscle >= 93.5) {
		muscle = 120
	}
	return clamp(muscle, 10, 120)
}

func (c calc) visceralFat() float64 {
	h, w, age := c.in.HeightCm, c.in.WeightKg, float64(c.in.Age)
	var vfal float64
	if c.female() {
		if w > (13-h*0.5)*-1 {
			subsub := (h*1.45 + h*0.1158*h) - 120
			sub := w * 500 / subsub
			vfal = (sub - 6) + age*0.07
		} else {
			sub := 0.691 + h*-0.0024 + h*-0.0024
			vfal = ((h*0.027)-(sub*w))*-1 + age*0.07 - age
		}
	} else {
		if h < w*1.6 {
			sub := ((h * 0.4) - (h * (h * 0.0826))) * -1
			vfal = (w*305)/(sub+48) - 2.9 + age*0.15
		} else {
			sub := 0.765 + h*-0.0015
			vfal = ((h*0.143)-(w*sub))*-1 + age*0.15 - 5.0
		}
	}
	return clamp(vfal, 1, 50)
}

func (c calc) bmi() float64 {
	m := c.in.HeightCm / 100
	return clamp(c.in.WeightKg/(m*m), 10, 90)
}

func (c calc) idealWeight() float64 {
	if c.female() {
		return (c.in.HeightCm - 70) * 0.6
	}
	return (c.in.HeightCm - 80) * 0.7
}

func (c calc) proteinPercentage() float64 {
	protein := (c.muscleMass()/c.in.WeightKg)*100 - c.waterPercentage()
	return clamp(protein, 5, 32)
}

func (c calc) metabolicAge() float64 {
	h, w, age, imp := c.in.HeightCm, c.in.WeightKg, float64(c.in.Age), c.in.Impedance
	var ma float64
	if c.female() {
		ma = h*-1.1165 + w*1.5784 + age*0.4615 + imp*0.0415 + 83.2548
	} else {
		ma = h*-0.7471 + w*0.9161 + age*0.4184 + imp*0.0517 + 54.2267
	}
	return clamp(ma, 15, 80)
}

// bodyType maps fat and muscle against the reference scales onto the 0..8
// physique grid: fat band selects the row (high, normal, low), muscle band
// the column (low, normal, high).
func (c calc) bodyType() int {
	fat := c.fatPercentage()
	fatScale := fatPercentageScale(c.in.Age, c.in.Sex)
	factor := 1
	switch {
	case fat > fatScale[2]:
		factor = 0
	case fat < fatScale[1]:
		factor = 2
	}

	muscle := c.muscleMass()
	muscleScale := muscleMassScale(c.in.HeightCm, c.in.Sex)
	switch {
	case muscle > muscleScale[1]:
		return 2 + factor*3
	case muscle < muscleScale[0]:
		return factor * 3
	default:
		return 1 + factor*3
	}
}
