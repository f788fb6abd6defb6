package store

import "fmt"

// Backend is a PanelStore that can also be provisioned.
type Backend interface {
	PanelStore
	PanelWriter
}

// Open builds the backend named by driver: "postgres" and "sqlite" connect
// to dsn, "parquet" reads files under dataDir. The returned close function
// is never nil.
func Open(driver, dsn, dataDir string, opts SQLOptions) (Backend, func() error, error) {
	switch driver {
	case "postgres", "sqlite":
		if dsn == "" {
			return nil, nil, fmt.Errorf("storage driver %s needs a dsn", driver)
		}
		s, err := NewSQLStore(driver, dsn, opts)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "parquet":
		if dataDir == "" {
			return nil, nil, fmt.Errorf("storage driver parquet needs data_dir")
		}
		return NewParquetStore(dataDir, opts.PanelTable, opts.FactorTable), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
