package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/internal/database"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/server"
	"github.com/customeros/mailblast/services"
	"github.com/customeros/mailblast/services/operations"
)

func main() {
	app := &cli.App{
		Name:  "mailblast",
		Usage: "bulk email campaign engine",
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Run database migrations",
				Action: migrate,
			},
			{
				Name:   "server",
				Usage:  "Start the API server, queue consumers and crons",
				Action: serve,
			},
			{
				Name:      "run",
				Usage:     "Run one operation and print its result",
				ArgsUsage: "<operation>",
				Description: fmt.Sprintf("Operations: %s, %s, %s, %s, %s, %s, %s, %s",
					operations.StartCampaign, operations.PauseCampaign, operations.ResumeCampaign, operations.StopCampaign,
					operations.ProcessBounces, operations.ProcessDomainBounces, operations.RunTraining, operations.ResetDailyQuotas),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "campaign", Usage: "campaign id"},
					&cli.StringFlag{Name: "domain", Usage: "sender domain"},
					&cli.StringFlag{Name: "mode", Usage: "training mode (automatic or manual)"},
				},
				Action: runOperation,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup() (*config.Config, logger.Logger, *gorm.DB, error) {
	cfg, err := config.InitConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	db, err := database.InitMailblastDatabase(cfg.MailblastDatabaseConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, appLogger, db, nil
}

func migrate(c *cli.Context) error {
	cfg, appLogger, db, err := setup()
	if err != nil {
		return err
	}
	if err := repository.MigrateMailblastDB(cfg.MailblastDatabaseConfig, db); err != nil {
		return cli.Exit(fmt.Sprintf("database migration failed: %v", err), 1)
	}
	appLogger.Info("Database migration completed successfully")
	return nil
}

func serve(c *cli.Context) error {
	cfg, appLogger, db, err := setup()
	if err != nil {
		return err
	}
	appLogger.Info("Mailblast starting up...")

	srv, err := server.NewServer(cfg, appLogger, db)
	if err != nil {
		return cli.Exit(fmt.Sprintf("server setup failed: %v", err), 1)
	}
	if err := srv.Run(); err != nil {
		return cli.Exit(fmt.Sprintf("server failed: %v", err), 1)
	}
	appLogger.Info("Shutdown complete")
	return nil
}

func runOperation(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("operation name is required", 2)
	}

	cfg, appLogger, db, err := setup()
	if err != nil {
		return err
	}

	svcs, err := services.InitServices(cfg, appLogger, repository.InitRepositories(db))
	if err != nil {
		return err
	}
	defer svcs.Close()

	result, err := svcs.OperationsService.Run(context.Background(), name, dto.OperationRequest{
		CampaignId: c.String("campaign"),
		Domain:     c.String("domain"),
		Mode:       c.String("mode"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("%s failed: %v", name, err), 1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(out))
	return nil
}
