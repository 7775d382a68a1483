package cell

// OCV-SOC lookup tables for LiFePO4, 101 points from 0% to 100% in 1% steps.
// Separate charge and discharge curves implement hysteresis; the charge curve
// sits on a flat 3.260 V plateau while the discharge curve rides slightly
// higher through the mid range. Values interpolated from measured cell data.
var ocvDischarge = [101]float64{
	2.862, 2.912, 2.962, 3.012, 3.062, 3.112, 3.124, 3.136, 3.148, 3.160,
	3.172, 3.183, 3.193, 3.204, 3.215, 3.226, 3.236, 3.247, 3.258, 3.268,
	3.279, 3.280, 3.280, 3.281, 3.281, 3.282, 3.283, 3.283, 3.284, 3.284,
	3.285, 3.286, 3.286, 3.287, 3.287, 3.288, 3.289, 3.289, 3.290, 3.290,
	3.291, 3.292, 3.292, 3.293, 3.293, 3.294, 3.295, 3.295, 3.296, 3.296,
	3.297, 3.298, 3.298, 3.299, 3.299, 3.300, 3.300, 3.301, 3.302, 3.302,
	3.303, 3.303, 3.304, 3.304, 3.305, 3.306, 3.306, 3.307, 3.307, 3.308,
	3.308, 3.309, 3.309, 3.310, 3.311, 3.311, 3.312, 3.312, 3.313, 3.313,
	3.314, 3.316, 3.317, 3.319, 3.320, 3.322, 3.323, 3.325, 3.326, 3.328,
	3.329, 3.343, 3.358, 3.372, 3.386, 3.401, 3.415, 3.429, 3.443, 3.458,
	3.472,
}

var ocvCharge = [101]float64{
	2.510, 2.560, 2.610, 2.660, 2.710, 2.760, 2.810, 2.860, 2.910, 2.960,
	3.010, 3.060, 3.110, 3.160, 3.190, 3.210, 3.220, 3.230, 3.240, 3.250,
	3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260,
	3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260,
	3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260,
	3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260,
	3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260,
	3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260, 3.260,
	3.260, 3.265, 3.270, 3.275, 3.280, 3.285, 3.290, 3.300, 3.310, 3.320,
	3.330, 3.340, 3.350, 3.360, 3.370, 3.380, 3.385, 3.390, 3.395, 3.398,
	3.472,
}

// interpOCV linearly interpolates a curve at the given SOC fraction.
// SOC outside [0,1] is a programming defect upstream; it is clamped here so a
// long run never aborts, and asserted against in tests.
func interpOCV(table *[101]float64, soc float64) float64 {
	if soc <= 0 {
		return table[0]
	}
	if soc >= 1 {
		return table[100]
	}
	pos := soc * 100.0
	i := int(pos)
	frac := pos - float64(i)
	return table[i] + (table[i+1]-table[i])*frac
}
