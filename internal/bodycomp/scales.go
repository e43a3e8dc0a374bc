// v0
// internal/bodycomp/scales.go
package bodycomp

type fatBand struct {
	minAge, maxAge int
	female, male   [4]float64
}

// Fat percentage reference thresholds per age band: the four values bound
// the low, normal, high and very-high classes.
var fatBands = []fatBand{
	{0, 12, [4]float64{12, 21, 30, 34}, [4]float64{7, 16, 25, 30}},
	{12, 14, [4]float64{15, 24, 33, 37}, [4]float64{7, 16, 25, 30}},
	{14, 16, [4]float64{18, 27, 36, 40}, [4]float64{7, 16, 25, 30}},
	{16, 18, [4]float64{20, 28, 37, 41}, [4]float64{7, 16, 25, 30}},
	{18, 40, [4]float64{21, 28, 35, 40}, [4]float64{11, 17, 22, 27}},
	{40, 60, [4]float64{22, 29, 36, 41}, [4]float64{12, 18, 23, 28}},
	{60, 100, [4]float64{23, 30, 37, 42}, [4]float64{14, 20, 25, 30}},
}

func fatPercentageScale(age int, sex Sex) [4]float64 {
	band := fatBands[len(fatBands)-1]
	for _, b := range fatBands {
		if age >= b.minAge && age < b.maxAge {
			band = b
			break
		}
	}
	if sex == Female {
		return band.female
	}
	return band.male
}

type muscleBand struct {
	minHeightMale, minHeightFemale float64
	female, male                   [2]float64
}

// Muscle mass reference ranges, tallest band first.
var muscleBands = []muscleBand{
	{170, 160, [2]float64{36.5, 42.6}, [2]float64{49.4, 59.5}},
	{160, 150, [2]float64{32.9, 37.6}, [2]float64{44.0, 52.5}},
	{0, 0, [2]float64{29.1, 34.8}, [2]float64{38.5, 46.6}},
}

func muscleMassScale(heightCm float64, sex Sex) [2]float64 {
	for _, b := range muscleBands {
		if sex == Female && heightCm >= b.minHeightFemale {
			return b.female
		}
		if sex != Female && heightCm >= b.minHeightMale {
			return b.male
		}
	}
	last := muscleBands[len(muscleBands)-1]
	if sex == Female {
		return last.female
	}
	return last.male
}
