package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/export"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// Columns of a generated admissions extract.
var admissionColumns = []string{
	"subject_id", "hadm_id", "age", "gender", "admission_type", "ethnicity", "primary_diagnosis", "los",
}

type Config struct {
	Patients     int             `json:"patients"`
	MaxAdmits    int             `json:"max_admissions"`
	Seed         int64           `json:"seed"`
	OutputFormat string          `json:"output_format"` // csv, json
	OutputFile   string          `json:"output_file"`
	Age          AgeDistribution `json:"age"`
	// Weighted categories; weights need not sum to one.
	AdmissionTypes map[string]float64 `json:"admission_types"`
	Ethnicities    map[string]float64 `json:"ethnicities"`
	Diagnoses      map[string]float64 `json:"diagnoses"`
	// Length of stay in days is lognormal with these parameters.
	LOSMu    float64 `json:"los_mu"`
	LOSSigma float64 `json:"los_sigma"`
}

type AgeDistribution struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`
}

type Generator struct {
	config *Config
	logger *logrus.Logger
	rand   *rand.Rand
}

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		patients   = flag.Int("patients", 1000, "Number of patients to generate")
		seed       = flag.Int64("seed", 0, "Random seed (0 uses the clock)")
		output     = flag.String("output", "admissions.csv", "Output file")
		format     = flag.String("format", "csv", "Output format (csv/json)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	// Setup logging
	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Load or create config
	var config *Config
	if *configFile != "" {
		var err error
		config, err = loadConfig(*configFile)
		if err != nil {
			logger.Fatalf("Failed to load config: %v", err)
		}
	} else {
		config = getDefaultConfig()
		config.Patients = *patients
		config.Seed = *seed
		config.OutputFile = *output
		config.OutputFormat = *format
	}

	generator := NewGenerator(config, logger)

	logger.WithFields(logrus.Fields{
		"patients":      config.Patients,
		"output_file":   config.OutputFile,
		"output_format": config.OutputFormat,
	}).Info("Starting admissions generation")

	table, err := generator.Generate(context.Background())
	if err != nil {
		logger.Fatalf("Failed to generate data: %v", err)
	}

	if err := generator.SaveToFile(table, config.OutputFile, config.OutputFormat); err != nil {
		logger.Fatalf("Failed to save data: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"admissions":  table.Len(),
		"output_file": config.OutputFile,
	}).Info("Admissions generation completed")
}

func NewGenerator(config *Config, logger *logrus.Logger) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(seed)),
	}
}

// Generate draws every patient's demographics once and one to MaxAdmits
// admissions per patient, so rows of a patient share their quasi-identifiers.
func (g *Generator) Generate(ctx context.Context) (*models.Table, error) {
	if g.config.Patients <= 0 {
		return nil, fmt.Errorf("patients must be positive, got %d", g.config.Patients)
	}
	maxAdmits := g.config.MaxAdmits
	if maxAdmits < 1 {
		maxAdmits = 1
	}

	table := models.NewTable(admissionColumns...)
	hadmID := 100000
	for subject := 1; subject <= g.config.Patients; subject++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		age := g.age()
		gender := "F"
		if g.rand.Intn(2) == 1 {
			gender = "M"
		}
		ethnicity := g.pick(g.config.Ethnicities)

		for n := 1 + g.rand.Intn(maxAdmits); n > 0; n-- {
			hadmID++
			table.Append(models.Record{
				"subject_id":        models.Numeric(float64(subject)),
				"hadm_id":           models.Numeric(float64(hadmID)),
				"age":               models.Numeric(float64(age)),
				"gender":            models.Categorical(gender),
				"admission_type":    models.Categorical(g.pick(g.config.AdmissionTypes)),
				"ethnicity":         models.Categorical(ethnicity),
				"primary_diagnosis": models.Categorical(g.pick(g.config.Diagnoses)),
				"los":               models.Numeric(g.lengthOfStay()),
			})
		}
	}
	return table, nil
}

func (g *Generator) age() int {
	a := g.config.Age
	age := int(math.Round(g.rand.NormFloat64()*a.StdDev + a.Mean))
	if age < a.Min {
		return a.Min
	}
	if age > a.Max {
		return a.Max
	}
	return age
}

// lengthOfStay is rounded to a tenth of a day, at least half a day.
func (g *Generator) lengthOfStay() float64 {
	los := math.Exp(g.rand.NormFloat64()*g.config.LOSSigma + g.config.LOSMu)
	return math.Max(0.5, math.Round(los*10)/10)
}

// pick draws a key with probability proportional to its weight. Keys are
// visited in sorted order so a seed reproduces the same table.
func (g *Generator) pick(weights map[string]float64) string {
	keys := sortedKeys(weights)
	total := 0.0
	for _, k := range keys {
		total += weights[k]
	}
	if total <= 0 {
		return ""
	}
	r := g.rand.Float64() * total
	for _, k := range keys {
		r -= weights[k]
		if r < 0 {
			return k
		}
	}
	return keys[len(keys)-1]
}

func (g *Generator) SaveToFile(table *models.Table, filename, format string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch format {
	case "csv":
		return export.WriteCSV(context.Background(), file, table, export.CSVOptions{})
	case "json":
		return export.WriteJSON(file, table)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func loadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := getDefaultConfig()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}

func getDefaultConfig() *Config {
	return &Config{
		Patients:     1000,
		MaxAdmits:    3,
		OutputFormat: "csv",
		OutputFile:   "admissions.csv",
		Age:          AgeDistribution{Mean: 62, StdDev: 17, Min: 18, Max: 90},
		AdmissionTypes: map[string]float64{
			"EMERGENCY": 0.7,
			"URGENT":    0.1,
			"ELECTIVE":  0.2,
		},
		Ethnicities: map[string]float64{
			"WHITE":    0.68,
			"BLACK":    0.12,
			"HISPANIC": 0.08,
			"ASIAN":    0.05,
			"OTHER":    0.07,
		},
		Diagnoses: map[string]float64{
			"SEPSIS":                   0.18,
			"PNEUMONIA":                0.17,
			"CONGESTIVE HEART FAILURE": 0.15,
			"CORONARY ARTERY DISEASE":  0.2,
			"STROKE":                   0.1,
			"GASTROINTESTINAL BLEED":   0.1,
			"DIABETIC KETOACIDOSIS":    0.1,
		},
		LOSMu:    1.3,
		LOSSigma: 0.7,
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
