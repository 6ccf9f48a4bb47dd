package chainsense

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestCommandFor(t *testing.T) {
	tests := []struct {
		text    string
		command string
		ok      bool
	}{
		{"/save pw", "save", true},
		{"/load cid pw", "load", true},
		{"/saveabc", "save", true},
		{"/loader", "load", true},
		{"save pw", "", false},
		{"hello /save", "", false},
		{"/start", "", false},
	}
	for _, tt := range tests {
		command, ok := commandFor(tt.text)
		if command != tt.command || ok != tt.ok {
			t.Errorf("commandFor(%q) = %q, %v", tt.text, command, ok)
		}
	}
}

func TestSplitCommandLine(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/load cid pw", []string{"/load", "cid", "pw"}},
		{`/save "two words"`, []string{"/save", "two words"}},
	}
	for _, tt := range tests {
		if got := splitCommandLine(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitCommandLine(%q) = %q", tt.in, got)
		}
	}
}

func TestHandleSaveCountsOnlySuccess(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	// 参数缺失时给出用法, 不占用配额
	_, err := ta.app.Handle(ctx, testWallet, "/saveabc")
	if e := AsError(err); e.Kind != KindValidation || e.Message != MsgSaveUsage {
		t.Fatalf("err = %v", err)
	}

	ta.content.uploadErr = errors.New("upload down")
	_, err = ta.app.Handle(ctx, testWallet, "/save pw")
	if e := AsError(err); e.Kind != KindUpstream || e.Message != MsgSaveFailed {
		t.Fatalf("err = %v", err)
	}
	record, _ := ta.usage.Get(ctx, testWallet)
	if record.SaveCount != 0 {
		t.Fatalf("SaveCount after failed upload = %d", record.SaveCount)
	}

	ta.content.uploadErr = nil
	reply, err := ta.app.Handle(ctx, testWallet, "/save pw  ")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Conversation saved!\nCID: cid-1\nPassword: pw" {
		t.Errorf("reply = %q", reply)
	}

	_, err = ta.app.Handle(ctx, testWallet, "/save pw")
	if !IsDenial(err, ReasonLimitExceeded) {
		t.Fatalf("second save: err = %v", err)
	}
	if ta.content.uploads != 1 {
		t.Errorf("uploads = %d", ta.content.uploads)
	}
}

func TestHandleNonWalletCommands(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	_, err := ta.app.Handle(ctx, "guest", "/save pw")
	if !IsDenial(err, ReasonNoWallet) || AsError(err).Message != MsgSaveNeedsWallet {
		t.Errorf("save: err = %v", err)
	}
	_, err = ta.app.Handle(ctx, "guest", "/load cid pw")
	if !IsDenial(err, ReasonNoWallet) || AsError(err).Message != MsgLoadNeedsWallet {
		t.Errorf("load: err = %v", err)
	}
	if len(ta.inference.requests) != 0 {
		t.Error("commands reached inference")
	}
}

func TestHandleLoadThenChat(t *testing.T) {
	ta := newTestApp(t)
	ta.content.put("cid-notes", "pw", []byte("favourite colour: green"))
	ctx := context.Background()

	_, err := ta.app.Handle(ctx, testWallet, "/load cid-notes")
	if e := AsError(err); e.Kind != KindValidation || e.Message != MsgLoadUsage {
		t.Fatalf("missing password: err = %v", err)
	}

	_, err = ta.app.Handle(ctx, testWallet, "/load cid-notes wrong")
	if e := AsError(err); e.Kind != KindDecode || e.Message != MsgLoadFailed {
		t.Fatalf("wrong password: err = %v", err)
	}
	record, _ := ta.usage.Get(ctx, testWallet)
	if record.LoadCount != 0 {
		t.Fatalf("LoadCount after failed load = %d", record.LoadCount)
	}

	reply, err := ta.app.Handle(ctx, testWallet, "/load cid-notes pw")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Memory loaded! CID: cid-notes" {
		t.Errorf("reply = %q", reply)
	}

	reply, err = ta.app.Handle(ctx, testWallet, "what is my favourite colour?")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hello from AI" {
		t.Errorf("reply = %q", reply)
	}

	messages := ta.inference.last()
	if len(messages) != 3 {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Role != RoleSystem || messages[0].Content != ta.app.config.SystemPrompt {
		t.Errorf("system prompt = %+v", messages[0])
	}
	if messages[1].Role != RoleSystem || messages[1].Content != "Context: \nfavourite colour: green" {
		t.Errorf("context = %+v", messages[1])
	}
	if messages[2].Role != RoleUser || messages[2].Content != "what is my favourite colour?" {
		t.Errorf("user message = %+v", messages[2])
	}
}

func TestChatRecordsTurns(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	if _, err := ta.app.Handle(ctx, "guest", "hello"); err != nil {
		t.Fatal(err)
	}
	turns := ta.app.conversations.Turns(ctx, "guest")
	if !reflect.DeepEqual(turns, []Turn{{User: "hello", AI: "hello from AI"}}) {
		t.Errorf("turns = %+v", turns)
	}
	// 没有加载记忆时只有系统提示和用户消息
	if n := len(ta.inference.last()); n != 2 {
		t.Errorf("messages = %d", n)
	}

	ta.inference.err = errors.New("model overloaded")
	_, err := ta.app.Handle(ctx, "guest", "again")
	if e := AsError(err); e.Kind != KindUpstream || e.Message != MsgChatFailed {
		t.Fatalf("err = %v", err)
	}
	if n := len(ta.app.conversations.Turns(ctx, "guest")); n != 1 {
		t.Errorf("failed chat appended a turn, have %d", n)
	}
}

func TestSavedConversationContainsChat(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	if _, err := ta.app.Handle(ctx, testWallet, "hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := ta.app.Handle(ctx, testWallet, "/save pw"); err != nil {
		t.Fatal(err)
	}
	data := string(ta.content.blobs["cid-1"].data)
	if !strings.Contains(data, `"User: hi\nAI: hello from AI"`) {
		t.Errorf("saved payload = %s", data)
	}
}

func TestResetUsage(t *testing.T) {
	ta := newTestApp(t)
	ta.ledger.txs["0xpaid"] = validTx("0xpaid", testWallet)
	ta.ledger.txs["0xshort"] = &Transaction{Hash: "0xshort", Status: "ok", From: testWallet, To: testRecipient, Value: "1"}
	ctx := context.Background()

	if _, err := ta.app.Save(ctx, testWallet, "pw"); err != nil {
		t.Fatal(err)
	}

	ok, message, err := ta.app.ResetUsage(ctx, testWallet, "0xshort")
	if err != nil || ok || message != msgResetRefused {
		t.Fatalf("underpaid reset = %v, %q, %v", ok, message, err)
	}
	if record, _ := ta.usage.Get(ctx, testWallet); record.SaveCount != 1 {
		t.Fatalf("refused reset changed counts: %+v", record)
	}

	_, _, err = ta.app.ResetUsage(ctx, testWallet, "0xunknown")
	if errorKind(err) != KindNotFound {
		t.Fatalf("unknown tx: err = %v", err)
	}

	ok, message, err = ta.app.ResetUsage(ctx, testWallet, "0xpaid")
	if err != nil || !ok || message != msgResetDone {
		t.Fatalf("reset = %v, %q, %v", ok, message, err)
	}
	if record, _ := ta.usage.Get(ctx, testWallet); record.SaveCount != 0 || record.LoadCount != 0 {
		t.Fatalf("record after reset = %+v", record)
	}
	if _, err := ta.app.Save(ctx, testWallet, "pw"); err != nil {
		t.Fatalf("save after reset: %v", err)
	}

	// 同一笔交易不能再次重置
	ok, message, err = ta.app.ResetUsage(ctx, testWallet, "0xpaid")
	if err != nil || ok || message != msgReceiptUsed {
		t.Fatalf("replayed reset = %v, %q, %v", ok, message, err)
	}
	if record, _ := ta.usage.Get(ctx, testWallet); record.SaveCount != 1 {
		t.Errorf("replay changed counts: %+v", record)
	}
}

func TestResetUsageAllowsReuseWhenConfigured(t *testing.T) {
	ta := newTestApp(t)
	ta.app.config.SingleUseReceipts = false
	ta.ledger.txs["0xpaid"] = validTx("0xpaid", testWallet)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := ta.app.ResetUsage(ctx, testWallet, "0xpaid")
		if err != nil || !ok {
			t.Fatalf("reset %d = %v, %v", i, ok, err)
		}
	}
}

func TestCheckPaymentValidation(t *testing.T) {
	ta := newTestApp(t)

	_, err := ta.app.CheckPayment(context.Background(), "", "0xtx")
	if errorKind(err) != KindValidation {
		t.Errorf("missing user: err = %v", err)
	}
	_, err = ta.app.CheckPayment(context.Background(), testWallet, "")
	if errorKind(err) != KindValidation {
		t.Errorf("missing hash: err = %v", err)
	}
	if ta.ledger.calls != 0 {
		t.Errorf("ledger called %d times", ta.ledger.calls)
	}
}

func TestHandleLeadingSpaceIsChat(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	reply, err := ta.app.Handle(ctx, testWallet, "  /save x")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hello from AI" {
		t.Errorf("reply = %q", reply)
	}
	if ta.content.uploads != 0 {
		t.Error("text with leading space was treated as a save")
	}
	messages := ta.inference.last()
	if got := messages[len(messages)-1].Content; got != "/save x" {
		t.Errorf("user message = %q", got)
	}
	if record, _ := ta.usage.Peek(ctx, testWallet); record.SaveCount != 0 {
		t.Errorf("SaveCount = %d", record.SaveCount)
	}
}

func TestResetUsageReleasesReceiptOnFailure(t *testing.T) {
	usage := &flakyUsageStore{MemoryUsageStore: NewMemoryUsageStore()}
	ta := newTestAppWith(t, usage, testDBStore(t))
	ta.ledger.txs["0xpaid"] = validTx("0xpaid", testWallet)
	ctx := context.Background()

	if err := usage.Put(ctx, UsageRecord{UserID: testWallet, SaveCount: 1}); err != nil {
		t.Fatal(err)
	}

	usage.setCASErr(errors.New("usage store down"))
	ok, _, err := ta.app.ResetUsage(ctx, testWallet, "0xpaid")
	if ok || errorKind(err) != KindUpstream {
		t.Fatalf("reset with failing store = %v, %v", ok, err)
	}

	// 存储恢复后同一笔交易仍然可以使用
	usage.setCASErr(nil)
	ok, message, err := ta.app.ResetUsage(ctx, testWallet, "0xpaid")
	if err != nil || !ok || message != msgResetDone {
		t.Fatalf("reset after recovery = %v, %q, %v", ok, message, err)
	}
	if record, _ := usage.Peek(ctx, testWallet); record.SaveCount != 0 {
		t.Errorf("record after reset = %+v", record)
	}

	ok, message, err = ta.app.ResetUsage(ctx, testWallet, "0xpaid")
	if err != nil || ok || message != msgReceiptUsed {
		t.Fatalf("replay = %v, %q, %v", ok, message, err)
	}
}
