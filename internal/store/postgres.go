package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.MarketInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, ticker, category, question, q_yes, q_no, b, price_yes, price_no, fee_bps, cranker_reward_bps, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		m.ID, m.Ticker, m.Category, m.Question,
		m.QYes.String(), m.QNo.String(), m.B.String(),
		m.PriceYes.String(), m.PriceNo.String(),
		m.FeeBps, m.CrankerRewardBps,
		m.Status, m.CreatedAt,
	)
	return err
}

const marketColumns = `id, ticker, category, question,
	        q_yes::TEXT, q_no::TEXT, b::TEXT,
	        price_yes::TEXT, price_no::TEXT,
	        fee_bps, cranker_reward_bps, status, created_at`

func scanMarket(row pgxRow) (*model.MarketInfo, error) {
	var m model.MarketInfo
	var qYes, qNo, b, priceYes, priceNo string

	err := row.Scan(&m.ID, &m.Ticker, &m.Category, &m.Question,
		&qYes, &qNo, &b,
		&priceYes, &priceNo,
		&m.FeeBps, &m.CrankerRewardBps, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.QYes, _ = decimal.NewFromString(qYes)
	m.QNo, _ = decimal.NewFromString(qNo)
	m.B, _ = decimal.NewFromString(b)
	m.PriceYes, _ = decimal.NewFromString(priceYes)
	m.PriceNo, _ = decimal.NewFromString(priceNo)

	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.MarketInfo, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.MarketInfo, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ticker = $1`, ticker)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market by ticker %s: %w", ticker, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.MarketInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.MarketInfo
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketState(ctx context.Context, id string, qYes, qNo, priceYes, priceNo decimal.Decimal, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC,
		     price_yes = $4::NUMERIC, price_no = $5::NUMERIC,
		     status = $6
		 WHERE id = $1`,
		id, qYes.String(), qNo.String(), priceYes.String(), priceNo.String(), status,
	)
	return err
}

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.FillRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fills (id, market_id, maker_ref, taker_ref, taker_side, outcome, quantity, price, notional, fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		f.ID, f.MarketID, f.MakerRef, f.TakerRef, f.TakerSide, f.Outcome,
		f.Quantity.String(), f.Price.String(), f.Notional.String(), f.Fee.String(),
		f.Timestamp,
	)
	return err
}

const fillColumns = `id, market_id, maker_ref, taker_ref, taker_side, outcome,
	        quantity::TEXT, price::TEXT, notional::TEXT, fee::TEXT, timestamp`

func (s *PostgresStore) GetFillsByMarket(ctx context.Context, marketID string) ([]model.FillRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillColumns+`
		 FROM fills WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

func (s *PostgresStore) GetFillsByAccount(ctx context.Context, accountRef string) ([]model.FillRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillColumns+`
		 FROM fills WHERE maker_ref = $1 OR taker_ref = $1 ORDER BY timestamp`, accountRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

// Signed quantity from the account's point of view: positive when the
// account bought the outcome shares, negative when it sold.
const signedQtyExpr = `CASE WHEN (f.taker_side = 'BUY' AND f.taker_ref = $1)
	                          OR (f.taker_side = 'SELL' AND f.maker_ref = $1)
	                        THEN f.quantity ELSE -f.quantity END`

const signedCostExpr = `CASE WHEN (f.taker_side = 'BUY' AND f.taker_ref = $1)
	                           OR (f.taker_side = 'SELL' AND f.maker_ref = $1)
	                         THEN f.notional ELSE -f.notional END`

func (s *PostgresStore) GetAccountPositions(ctx context.Context, accountRef string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT
			f.market_id,
			m.ticker,
			m.category,
			COALESCE(SUM(CASE WHEN f.outcome = 'YES' THEN `+signedQtyExpr+` ELSE 0 END), 0)::TEXT AS yes_qty,
			COALESCE(SUM(CASE WHEN f.outcome = 'NO'  THEN `+signedQtyExpr+` ELSE 0 END), 0)::TEXT AS no_qty,
			COALESCE(SUM(`+signedCostExpr+`), 0)::TEXT AS cost_basis,
			m.price_yes::TEXT AS price_yes
		 FROM fills f
		 JOIN markets m ON m.id = f.market_id
		 WHERE f.maker_ref = $1 OR f.taker_ref = $1
		 GROUP BY f.market_id, m.ticker, m.category, m.price_yes`, accountRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	one := decimal.NewFromInt(1)
	var positions []model.Position

	for rows.Next() {
		var p model.Position
		var yesQtyS, noQtyS, costBasisS, priceYesS string

		if err := rows.Scan(&p.MarketID, &p.Ticker, &p.Category,
			&yesQtyS, &noQtyS, &costBasisS, &priceYesS); err != nil {
			return nil, err
		}

		p.AccountRef = accountRef
		p.YesQty, _ = decimal.NewFromString(yesQtyS)
		p.NoQty, _ = decimal.NewFromString(noQtyS)
		p.CostBasis, _ = decimal.NewFromString(costBasisS)
		priceYes, _ := decimal.NewFromString(priceYesS)
		priceNo := one.Sub(priceYes)

		p.NetQty = p.YesQty.Sub(p.NoQty)
		p.CurrentValue = priceYes.Mul(p.YesQty).Add(priceNo.Mul(p.NoQty))
		p.UnrealizedPnL = p.CurrentValue.Sub(p.CostBasis)

		positions = append(positions, p)
	}

	return positions, rows.Err()
}

func (s *PostgresStore) GetAccountCategoryExposures(ctx context.Context, accountRef string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.category,
		        COALESCE(SUM(CASE WHEN f.outcome = 'YES' THEN `+signedQtyExpr+`
		                          ELSE -(`+signedQtyExpr+`) END), 0)::TEXT AS net_exposure
		 FROM fills f
		 JOIN markets m ON m.id = f.market_id
		 WHERE f.maker_ref = $1 OR f.taker_ref = $1
		 GROUP BY m.category`, accountRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var category, expStr string
		if err := rows.Scan(&category, &expStr); err != nil {
			return nil, err
		}
		exp, _ := decimal.NewFromString(expStr)
		exposures[category] = exp
	}

	return exposures, rows.Err()
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

// scanFills reads pgx rows into FillRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanFills(rows pgxRows) ([]model.FillRecord, error) {
	var fills []model.FillRecord
	for rows.Next() {
		var f model.FillRecord
		var qtyS, priceS, notionalS, feeS string

		if err := rows.Scan(&f.ID, &f.MarketID, &f.MakerRef, &f.TakerRef, &f.TakerSide, &f.Outcome,
			&qtyS, &priceS, &notionalS, &feeS, &f.Timestamp); err != nil {
			return nil, err
		}

		f.Quantity, _ = decimal.NewFromString(qtyS)
		f.Price, _ = decimal.NewFromString(priceS)
		f.Notional, _ = decimal.NewFromString(notionalS)
		f.Fee, _ = decimal.NewFromString(feeS)

		fills = append(fills, f)
	}
	return fills, nil
}
