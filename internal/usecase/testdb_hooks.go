package usecase

import (
	"context"
	"errors"
	"sync"

	"regulatory-dbkit/internal/domain"

	"gorm.io/gorm"
)

// SharedSuiteTag は分離レベルnoneで全スイートが共有するインスタンスのタグ。
const SharedSuiteTag = "shared"

// FileSuiteTag は分離レベルfileで同じファイルのスイートが共有するインスタンスのスイートタグ。
const FileSuiteTag = "file"

var errHooksNotStarted = errors.New("BeforeAll has not been called")

// Hooks は分離レベルに応じてテストの前後にインスタンスを準備・リセットする。
//
//	none  : 全スイートで1つのインスタンスを共有し、リセットしない
//	test  : テストごとにリセットする
//	suite : スイートの開始時に1回リセットする
//	file  : ファイルごとに1つのインスタンスを同じファイルのスイートで共有する。
//	        最初のスイートが新しいインスタンスを受け取り、以降のスイートではリセットしない
type Hooks struct {
	svc      *TestDBService
	level    domain.IsolationLevel
	suiteTag string
	fileTag  string

	mu sync.Mutex
	id string
}

// NewHooks はサービスの分離レベルでHooksを生成する。
func NewHooks(svc *TestDBService, suiteTag, fileTag string) *Hooks {
	h := &Hooks{svc: svc, level: svc.Options().Isolation, suiteTag: suiteTag, fileTag: fileTag}
	switch h.level {
	case domain.IsolationNone:
		h.suiteTag, h.fileTag = SharedSuiteTag, ""
	case domain.IsolationSuite:
		h.fileTag = ""
	case domain.IsolationFile:
		h.suiteTag = FileSuiteTag
	}
	return h
}

// Level は分離レベルを返す。
func (h *Hooks) Level() domain.IsolationLevel {
	return h.level
}

// BeforeAll はインスタンスを用意する。suiteで既存インスタンスを再利用した場合はリセットする。
func (h *Hooks) BeforeAll(ctx context.Context) (*domain.TestInstance, error) {
	inst, err := h.svc.Setup(ctx, h.suiteTag, h.fileTag)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.id = inst.ID
	h.mu.Unlock()

	if inst.Reused && h.level == domain.IsolationSuite {
		if err := h.svc.Reset(ctx, inst.ID); err != nil {
			return nil, err
		}
		return h.svc.Get(inst.ID)
	}
	return inst, nil
}

// BeforeEach は分離レベルtestのときにインスタンスをリセットする。
func (h *Hooks) BeforeEach(ctx context.Context) error {
	id, err := h.instanceID()
	if err != nil {
		return err
	}
	if h.level != domain.IsolationTest {
		return nil
	}
	return h.svc.Reset(ctx, id)
}

// AfterEach はインスタンスが利用可能な状態のままかを確認する。
func (h *Hooks) AfterEach(_ context.Context) error {
	id, err := h.instanceID()
	if err != nil {
		return err
	}
	_, err = h.svc.DB(id)
	return err
}

// AfterAll はnoneとfileではインスタンスをidleに戻し、それ以外では破棄する。
// idleのインスタンスはTestDBService.ReclaimIdleで破棄する。
func (h *Hooks) AfterAll(ctx context.Context) error {
	id, err := h.instanceID()
	if err != nil {
		return err
	}
	if h.level == domain.IsolationNone || h.level == domain.IsolationFile {
		return h.svc.Release(id)
	}
	return h.svc.Cleanup(ctx, id)
}

// ID はBeforeAllで用意したインスタンスのIDを返す。
func (h *Hooks) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// DB はインスタンスのデータベース接続を返す。
func (h *Hooks) DB() (*gorm.DB, error) {
	id, err := h.instanceID()
	if err != nil {
		return nil, err
	}
	return h.svc.DB(id)
}

func (h *Hooks) instanceID() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id == "" {
		return "", errHooksNotStarted
	}
	return h.id, nil
}
