package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/mux"
)

const DefaultNotifyChannel = "notification_changes"

// Transport is a push transport over LISTEN/NOTIFY. Each Dial takes one connection out of the
// pool for the lifetime of the channel; the change triggers publish JSON change events.
type Transport struct {
	pool    *pgxpool.Pool
	channel string
}

func NewTransport(pool *pgxpool.Pool, channel string) *Transport {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &Transport{pool: pool, channel: channel}
}

func (t *Transport) Dial(ctx context.Context) (domain.Channel, error) {
	pooled, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := pooled.Exec(ctx, "LISTEN "+ident(t.channel)); err != nil {
		pooled.Release()
		return nil, fmt.Errorf("listen %s: %w", t.channel, err)
	}
	conn := pooled.Hijack()

	runCtx, cancel := context.WithCancel(context.Background())
	ch := mux.NewChannel(mux.Hooks{OnClose: func() error {
		cancel()
		return nil
	}}, 0)
	go t.receive(runCtx, conn, ch)
	return ch, nil
}

func (t *Transport) receive(ctx context.Context, conn *pgx.Conn, ch *mux.Channel) {
	defer conn.Close(context.Background())
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				ch.Fail(domain.ErrChannelClosed)
			} else {
				ch.Fail(fmt.Errorf("wait for notification: %w", err))
			}
			return
		}
		ev, err := mux.DecodeEvent([]byte(n.Payload))
		if err != nil {
			log.Warn().Err(err).Str("channel", n.Channel).Msg("postgres: dropping notification")
			continue
		}
		ch.Dispatch(ev)
	}
}

// triggerSQL installs a row trigger that publishes change events on the notify channel.
const triggerSQL = `
CREATE OR REPLACE FUNCTION notify_row_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(TG_ARGV[0], json_build_object(
		'eventType', TG_OP,
		'table', TG_TABLE_NAME,
		'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

// InstallTriggers (re)creates the change trigger on every source table.
func InstallTriggers(ctx context.Context, pool *pgxpool.Pool, channel string, sources []string) error {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if _, err := pool.Exec(ctx, triggerSQL); err != nil {
		return fmt.Errorf("create trigger function: %w", err)
	}
	for _, source := range sources {
		if !domain.ValidIdent(source) {
			return fmt.Errorf("invalid source table %q", source)
		}
		trigger := ident(source + "_notify_change")
		stmt := fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s;
CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION notify_row_change(%s)`,
			trigger, ident(source), trigger, ident(source), quoteLiteral(channel))
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("install trigger on %s: %w", source, err)
		}
		log.Info().Str("table", source).Str("channel", channel).Msg("change trigger installed")
	}
	return nil
}

func quoteLiteral(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
