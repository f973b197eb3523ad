package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/config"
	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/internal/fhir/mapper"
	"github.com/drfirst/go-orders/internal/infrastructure/postgres"
	"github.com/drfirst/go-orders/internal/infrastructure/redpanda"
)

// errInvalidOrder makes validate exit non-zero after printing its report
var errInvalidOrder = errors.New("order is invalid")

type violationReport struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type validateReport struct {
	Valid          bool              `json:"valid"`
	FHIR           bool              `json:"fhir"`
	AutoExpireDate *time.Time        `json:"auto_expire_date,omitempty"`
	DurationError  string            `json:"duration_error,omitempty"`
	Violations     []violationReport `json:"violations"`
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a drug order or MedicationRequest and infer its expiry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := timeFlag(cmd, "now")
			if err != nil {
				return err
			}
			body, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			d, isFHIR, err := mapper.DecodeOrder(body, false)
			if err != nil {
				return err
			}

			report := validateReport{FHIR: isFHIR, Violations: []violationReport{}}
			if d.AutoExpireDate == nil {
				expires, err := order.ComputeAutoExpireDate(d, order.EmbeddedMappings{})
				if err != nil {
					report.DurationError = err.Error()
				} else if expires != nil {
					d.AutoExpireDate = expires
					report.AutoExpireDate = expires
				}
			}

			validator := &order.Validator{Now: func() time.Time { return now }}
			for _, v := range validator.ValidateDrugOrder(d) {
				report.Violations = append(report.Violations, violationReport{Field: v.Field, Code: v.Code, Message: mapper.Message(v.Code)})
			}
			report.Valid = len(report.Violations) == 0 && report.DurationError == ""

			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Valid {
				return errInvalidOrder
			}
			return nil
		},
	}
	cmd.Flags().String("now", "", "Instant start dates are checked against (RFC 3339, defaults to now)")
	return cmd
}

func expiryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expiry",
		Short: "Compute when a dosing duration ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := timeFlag(cmd, "start")
			if err != nil {
				return err
			}
			amount, _ := cmd.Flags().GetInt("duration")
			code, _ := cmd.Flags().GetString("code")
			perDay, _ := cmd.Flags().GetFloat64("frequency-per-day")

			var frequency *order.OrderFrequency
			if perDay > 0 {
				frequency = &order.OrderFrequency{FrequencyPerDay: order.Float(perDay)}
			}
			expires, err := order.Duration{Amount: amount, Code: code}.AddTo(start, frequency)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), expires.Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().String("start", "", "Start instant (RFC 3339, defaults to now)")
	cmd.Flags().Int("duration", 0, "Duration amount")
	cmd.Flags().String("code", order.DaysCode, "ISO 8601 duration code: S m H D W M Y R")
	cmd.Flags().Float64("frequency-per-day", 0, "Doses per day, required for R")
	return cmd
}

type overlap struct {
	Order    string `json:"order"`
	Overlaps string `json:"overlaps"`
}

func overlapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overlaps [file]",
		Short: "Report orders in a JSON array whose effective intervals overlap",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orders, labels, err := readOrders(cmd, args)
			if err != nil {
				return err
			}

			found := []overlap{}
			for i, o := range orders {
				for _, other := range order.FindOverlapping(o, orders[i+1:]) {
					found = append(found, overlap{Order: labels[o], Overlaps: labels[other]})
				}
			}
			return writeJSON(cmd.OutOrStdout(), found)
		},
	}
}

func activeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active [file]",
		Short: "List the orders in a JSON array that are in effect at an instant",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf, err := timeFlag(cmd, "as-of")
			if err != nil {
				return err
			}
			orders, labels, err := readOrders(cmd, args)
			if err != nil {
				return err
			}
			active := []string{}
			for _, o := range order.ActiveOrders(orders, asOf) {
				active = append(active, labels[o])
			}
			return writeJSON(cmd.OutOrStdout(), active)
		},
	}
	cmd.Flags().String("as-of", "", "Instant to evaluate (RFC 3339, defaults to now)")
	return cmd
}

// readOrders decodes a JSON array of native or FHIR orders, inferring each
// expiry from its duration. Orders are labelled by id, then order number,
// then their position in the array.
func readOrders(cmd *cobra.Command, args []string) ([]*order.Order, map[*order.Order]string, error) {
	body, err := readInput(cmd, args)
	if err != nil {
		return nil, nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("expected a JSON array of orders: %w", err)
	}

	orders := make([]*order.Order, 0, len(raw))
	labels := make(map[*order.Order]string, len(raw))
	for i, r := range raw {
		d, _, err := mapper.DecodeOrder(r, false)
		if err != nil {
			return nil, nil, fmt.Errorf("order %d: %w", i, err)
		}
		label := d.ID
		if label == "" {
			label = d.OrderNumber
		}
		if label == "" {
			label = "#" + strconv.Itoa(i)
		}
		if d.AutoExpireDate == nil {
			if expires, err := order.ComputeAutoExpireDate(d, order.EmbeddedMappings{}); err == nil {
				d.AutoExpireDate = expires
			}
		}
		orders = append(orders, &d.Order)
		labels[&d.Order] = label
	}
	return orders, labels, nil
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing order topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			replication, _ := cmd.Flags().GetInt16("replication")
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if err := admin.EnsureTopics(ctx, replication); err != nil {
					return err
				}
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), topics)
			})
		},
	}
	ensureCmd.Flags().Int16("replication", 1, "Replication factor for new topics")
	cmd.AddCommand(ensureCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), topics)
			})
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.ConsumerLag(ctx, group)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), lag)
			})
		},
	}
	lagCmd.Flags().String("group", "order-importer", "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("orderctl")
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			applied, err := postgres.Migrate(ctx, pool, logger)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Strings("versions", applied))
			return writeJSON(cmd.OutOrStdout(), applied)
		},
	}
}

func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
	cfg, err := config.Load("orderctl")
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		return err
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	return fn(ctx, admin)
}

// readInput reads the named file, or stdin when no file or "-" is given
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
