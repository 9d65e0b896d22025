// Package params loads the YAML configuration of a vicon2gt run.
package params

import (
	"math"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.viam.com/rdk/spatialmath"

	sensorstream "github.com/mfkiwl/vicon2gt/sensor_stream"
	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// File mirrors the configuration file. Missing keys keep the DefaultFile values.
type File struct {
	GravInV            []float64 `mapstructure:"grav_inV"`
	RBtoI              []float64 `mapstructure:"R_BtoI"` // row-major 3x3
	PBinI              []float64 `mapstructure:"p_BinI"`
	TimeOffset         float64   `mapstructure:"toff_imu_to_vicon"`
	EnforceGravMag     bool      `mapstructure:"enforce_grav_mag"`
	EstimateTimeOffset bool      `mapstructure:"estimate_toff_vicon_to_imu"`
	NumLoopRelin       int       `mapstructure:"num_loop_relin"`
	InterpWindow       float64   `mapstructure:"interp_window"`

	GyroNoise       float64 `mapstructure:"gyroscope_noise_density"`
	AccelNoise      float64 `mapstructure:"accelerometer_noise_density"`
	GyroRandomWalk  float64 `mapstructure:"gyroscope_random_walk"`
	AccelRandomWalk float64 `mapstructure:"accelerometer_random_walk"`

	SigmaViconRot float64 `mapstructure:"sigma_vicon_rot"`
	SigmaViconPos float64 `mapstructure:"sigma_vicon_pos"`
	MaxViconGap   float64 `mapstructure:"max_vicon_gap"`

	IMUCSV    string `mapstructure:"imu_csv"`
	ViconCSV  string `mapstructure:"vicon_csv"`
	CameraCSV string `mapstructure:"camera_csv"`
	StateCSV  string `mapstructure:"state_csv"`
	InfoTXT   string `mapstructure:"info_txt"`
}

// DefaultFile returns the configuration used for keys absent from the file.
func DefaultFile() File {
	imu := sensorstream.DefaultIMUNoise()
	vicon := sensorstream.DefaultViconNoise()
	return File{
		GravInV:         []float64{0, 0, 9.8},
		RBtoI:           []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		PBinI:           []float64{0, 0, 0},
		InterpWindow:    1.0,
		GyroNoise:       imu.GyroNoise,
		AccelNoise:      imu.AccelNoise,
		GyroRandomWalk:  imu.GyroRandomWalk,
		AccelRandomWalk: imu.AccelRandomWalk,
		SigmaViconRot:   vicon.SigmaRot,
		SigmaViconPos:   vicon.SigmaPos,
		MaxViconGap:     vicon.MaxGap,
		StateCSV:        "vicon2gt_states.csv",
		InfoTXT:         "vicon2gt_info.txt",
	}
}

// Parse decodes YAML configuration data over the defaults.
func Parse(data []byte) (*File, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing yaml")
	}
	defaults := DefaultFile()
	f := defaults
	// Vectors decode onto nil slices so a short list is not padded by the defaults.
	f.GravInV, f.RBtoI, f.PBinI = nil, nil, nil
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &f,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if f.GravInV == nil {
		f.GravInV = defaults.GravInV
	}
	if f.RBtoI == nil {
		f.RBtoI = defaults.RBtoI
	}
	if f.PBinI == nil {
		f.PBinI = defaults.PBinI
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads a configuration file. Relative data paths are resolved against the
// directory holding the file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration file")
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	dir := filepath.Dir(path)
	for _, p := range []*string{&f.IMUCSV, &f.ViconCSV, &f.CameraCSV, &f.StateCSV, &f.InfoTXT} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return f, nil
}

// Validate checks vector lengths and value ranges.
func (f *File) Validate() error {
	if len(f.GravInV) != 3 {
		return errors.Errorf("grav_inV needs 3 values, got %d", len(f.GravInV))
	}
	if len(f.RBtoI) != 9 {
		return errors.Errorf("R_BtoI needs 9 values, got %d", len(f.RBtoI))
	}
	if len(f.PBinI) != 3 {
		return errors.Errorf("p_BinI needs 3 values, got %d", len(f.PBinI))
	}
	if err := checkRotation(f.RBtoI); err != nil {
		return err
	}
	if f.NumLoopRelin < 0 {
		return errors.Errorf("num_loop_relin must be >= 0, got %d", f.NumLoopRelin)
	}
	if f.InterpWindow <= 0 {
		return errors.Errorf("interp_window must be positive, got %g", f.InterpWindow)
	}
	for name, v := range map[string]float64{
		"gyroscope_noise_density":     f.GyroNoise,
		"accelerometer_noise_density": f.AccelNoise,
		"gyroscope_random_walk":       f.GyroRandomWalk,
		"accelerometer_random_walk":   f.AccelRandomWalk,
		"sigma_vicon_rot":             f.SigmaViconRot,
		"sigma_vicon_pos":             f.SigmaViconPos,
	} {
		if !(v > 0) {
			return errors.Errorf("%s must be positive, got %g", name, v)
		}
	}
	if f.MaxViconGap < 0 {
		return errors.Errorf("max_vicon_gap must be >= 0, got %g", f.MaxViconGap)
	}
	return nil
}

// checkRotation requires an orthonormal right-handed matrix.
func checkRotation(m []float64) error {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += m[3*k+i] * m[3*k+j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > 1e-6 {
				return errors.New("R_BtoI is not orthonormal")
			}
		}
	}
	det := m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
	if det < 0 {
		return errors.New("R_BtoI is a reflection")
	}
	return nil
}

func vec(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// SolverConfig converts the file into the graph solver configuration.
func (f *File) SolverConfig() (*vicongraph.Config, error) {
	m := f.RBtoI
	if len(m) != 9 {
		return nil, errors.Errorf("R_BtoI needs 9 values, got %d", len(m))
	}
	// rdk reads rotation matrix data column-major.
	rot, err := spatialmath.NewRotationMatrix([]float64{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]})
	if err != nil {
		return nil, errors.Wrap(err, "R_BtoI")
	}
	cfg := vicongraph.DefaultConfig()
	cfg.GravityInV = vec(f.GravInV)
	cfg.RotBtoI = vicongraph.Normalize(rot.Quaternion())
	cfg.PosBinI = vec(f.PBinI)
	cfg.TimeOffset = f.TimeOffset
	cfg.EnforceGravityMagnitude = f.EnforceGravMag
	cfg.EstimateTimeOffset = f.EstimateTimeOffset
	cfg.NumLoopRelin = f.NumLoopRelin
	cfg.InterpolationWindow = f.InterpWindow
	return cfg, nil
}

// IMUNoise returns the IMU noise model.
func (f *File) IMUNoise() sensorstream.IMUNoise {
	return sensorstream.IMUNoise{
		GyroNoise:       f.GyroNoise,
		AccelNoise:      f.AccelNoise,
		GyroRandomWalk:  f.GyroRandomWalk,
		AccelRandomWalk: f.AccelRandomWalk,
	}
}

// ViconNoise returns the motion capture noise model.
func (f *File) ViconNoise() sensorstream.ViconNoise {
	return sensorstream.ViconNoise{
		SigmaRot: f.SigmaViconRot,
		SigmaPos: f.SigmaViconPos,
		MaxGap:   f.MaxViconGap,
	}
}
