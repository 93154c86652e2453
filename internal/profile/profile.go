package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration used to start the scheduler process.
type Profile struct {
	Mode           string // "dev", "demo" or "prod"
	Addr           string
	Port           int
	UNIXSock       string
	Data           string
	Driver         string // "postgres" or "sqlite"
	DSN            string
	InstanceURL    string
	Version        string
	MaxWorkers     int
	MaxActiveUsers int
	TickInterval   time.Duration
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate fills in derived defaults and fails fast on an unusable configuration.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.MaxWorkers <= 0 {
		p.MaxWorkers = 4
	}
	if p.MaxActiveUsers <= 0 {
		p.MaxActiveUsers = 8
	}
	if p.TickInterval <= 0 {
		p.TickInterval = time.Second
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "scheduler")
		} else {
			p.Data = "/var/opt/scheduler"
		}
		if _, err := os.Stat(p.Data); os.IsNotExist(err) {
			if err := os.MkdirAll(p.Data, 0770); err != nil {
				slog.Error("failed to create data directory", "data", p.Data, "error", err)
				return err
			}
		}
	}

	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data directory", "data", p.Data, "error", err)
		return err
	}
	p.Data = dataDir

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, "scheduler_"+p.Mode+".db")
	}

	return nil
}
