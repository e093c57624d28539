package database

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/opyter/cromqc/internal/infrastructure/clients/postgres"
)

const (
	readingTable    = "crom"
	imageTable      = "crom_img"
	checkpointTable = "batch_control"
)

// tierDB bundles the goqu builder and the schema of one tier connection
type tierDB struct {
	client *postgres.Client
	db     *goqu.Database
}

func newTierDB(client *postgres.Client) tierDB {
	return tierDB{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

func (t tierDB) table(name string) exp.IdentifierExpression {
	return goqu.S(t.client.Schema()).Table(name)
}
