package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"legacychat/models"
)

// SQLite keeps accounts in a private in-memory SQLite database. The
// database lives only as long as the store: nothing touches disk.
type SQLite struct {
	conn   *sql.DB
	hasher hasher
}

func NewSQLite(passwordCost int) (*SQLite, error) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=1"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: the memory database survives as long as it is open,
	// and every operation is serialised behind it.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	s := &SQLite{conn: conn, hasher: newHasher(passwordCost)}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL REFERENCES users(login),
			contact TEXT NOT NULL REFERENCES users(login),
			nick TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL REFERENCES users(login),
			sender TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			filedata TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner, id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func userExists(tx *sql.Tx, login string) (bool, error) {
	var count int
	err := tx.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLite) CreateAccount(username, password string) error {
	var count int
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", username).Scan(&count); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	if count > 0 {
		return ErrDuplicateUser
	}

	hashed, err := s.hasher.hash(password)
	if err != nil {
		return err
	}

	_, err = s.conn.Exec("INSERT INTO users (login, password) VALUES (?, ?)", username, hashed)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicateUser
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *SQLite) VerifyLogin(username, password string) ([]string, error) {
	var hashed string
	buddies := []string{}

	err := s.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow("SELECT password FROM users WHERE login = ?", username).Scan(&hashed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoSuchUser
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query("SELECT nick FROM contacts WHERE owner = ? ORDER BY id", username)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var nick string
			if err := rows.Scan(&nick); err != nil {
				return err
			}
			buddies = append(buddies, nick)
		}
		return rows.Err()
	})
	if errors.Is(err, ErrNoSuchUser) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("verify login: %w", err)
	}

	if err := s.hasher.verify(hashed, password); err != nil {
		return nil, err
	}
	return buddies, nil
}

func (s *SQLite) AddBuddy(owner, buddyUsername, buddyName string) error {
	err := s.withTx(func(tx *sql.Tx) error {
		ok, err := userExists(tx, owner)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSuchUser
		}

		ok, err = userExists(tx, buddyUsername)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSuchBuddy
		}

		_, err = tx.Exec(
			`INSERT INTO contacts (owner, contact, nick) VALUES (?, ?, ?)
			ON CONFLICT(owner, contact) DO UPDATE SET nick = excluded.nick`,
			owner, buddyUsername, buddyName,
		)
		return err
	})
	if err != nil && !errors.Is(err, ErrNoSuchUser) && !errors.Is(err, ErrNoSuchBuddy) {
		return fmt.Errorf("add buddy: %w", err)
	}
	return err
}

func (s *SQLite) DepositMessage(recipient string, msg models.Message) error {
	result, err := s.conn.Exec(
		`INSERT INTO messages (recipient, sender, type, text, filename, filedata)
		SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM users WHERE login = ?)`,
		recipient, msg.From, msg.Type, msg.Message, msg.Filename, msg.Filedata, recipient,
	)
	if err != nil {
		return fmt.Errorf("deposit message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deposit message: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNoSuchUser
	}
	return nil
}

func (s *SQLite) DrainMailbox(username string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.withTx(func(tx *sql.Tx) error {
		ok, err := userExists(tx, username)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSuchUser
		}

		msgs, err = pendingMessages(tx, username)
		if err != nil {
			return err
		}

		_, err = tx.Exec("DELETE FROM messages WHERE recipient = ?", username)
		return err
	})
	if errors.Is(err, ErrNoSuchUser) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("drain mailbox: %w", err)
	}
	return msgs, nil
}

func pendingMessages(tx *sql.Tx, recipient string) ([]models.Message, error) {
	rows, err := tx.Query(
		"SELECT sender, type, text, filename, filedata FROM messages WHERE recipient = ? ORDER BY id",
		recipient,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.From, &m.Type, &m.Message, &m.Filename, &m.Filedata); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) Stats() (Stats, error) {
	var st Stats
	err := s.conn.QueryRow(
		"SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM messages)",
	).Scan(&st.Accounts, &st.PendingMessages)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
