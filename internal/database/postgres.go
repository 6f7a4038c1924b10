package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"ticket-chat/internal/models"
	"ticket-chat/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// Migrate creates the tables the service needs if they are missing.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Ticket Repository Implementation
func (db *PostgresDB) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	query := `
		SELECT t.id, t.title, t.status, c.user_id, COALESCE(tech.user_id, '')
		FROM tickets t
		JOIN clients c ON c.id = t.client_id
		LEFT JOIN technicians tech ON tech.id = t.technician_id
		WHERE t.id = $1`

	ticket := &models.Ticket{}
	err := db.pool.QueryRow(ctx, query, ticketID).Scan(
		&ticket.ID, &ticket.Title, &ticket.Status, &ticket.ClientUserID, &ticket.TechnicianUserID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %s: %w", ticketID, err)
	}

	return ticket, nil
}

const messageColumns = `ticket_id, id, user_id, user_type, content, image, created_at,
	whatsapp_status, whatsapp_sid, is_whatsapp`

// Message Repository Implementation
func (db *PostgresDB) CreateMessageIfAbsent(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, bool, error) {
	query := `
		INSERT INTO chat_messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (ticket_id, id) DO NOTHING
		RETURNING ` + messageColumns

	status := msg.WhatsAppStatus
	if status == "" {
		status = models.WhatsAppPending
	}

	stored, err := scanMessage(db.pool.QueryRow(ctx, query,
		msg.TicketID, msg.ID, msg.UserID, string(msg.UserRole), msg.Content, msg.ImageKey,
		msg.CreatedAt, string(status), msg.WhatsAppSID, msg.IsWhatsApp,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}

	// Conflict: somebody already stored this id for the ticket.
	existing, err := db.GetMessage(ctx, msg.TicketID, msg.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (db *PostgresDB) GetMessage(ctx context.Context, ticketID, messageID string) (*models.ChatMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE ticket_id = $1 AND id = $2`

	msg, err := scanMessage(db.pool.QueryRow(ctx, query, ticketID, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return msg, nil
}

func (db *PostgresDB) LoadRecentMessages(ctx context.Context, ticketID string, limit int) ([]*models.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE ticket_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func scanMessage(row pgx.Row) (*models.ChatMessage, error) {
	var (
		msg    models.ChatMessage
		role   string
		status string
	)
	err := row.Scan(
		&msg.TicketID, &msg.ID, &msg.UserID, &role, &msg.Content, &msg.ImageKey, &msg.CreatedAt,
		&status, &msg.WhatsAppSID, &msg.IsWhatsApp,
	)
	if err != nil {
		return nil, err
	}
	msg.UserRole = models.Role(role)
	msg.WhatsAppStatus = models.WhatsAppStatus(status)
	return &msg, nil
}
