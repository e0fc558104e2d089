// Package all registers every storage backend and the SQL Server driver.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "medallion/internal/storage/mssql"
	_ "medallion/internal/storage/postgres"
	_ "medallion/internal/storage/sqlite"
)
