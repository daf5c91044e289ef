package smtpclient

import "testing"

func TestBuilderQuitAfterMailFrom(t *testing.T) {
	tr, client := transactionWithDialog(`< 220 welcome
> EHLO test.example.com
< 250 mx.example.com hi
> MAIL FROM:<alice@example.com> SIZE=100
< 250 ok
> QUIT
< 221 bye
`)

	err := NewBuilder().
		Ehlo("test.example.com").
		MailFrom("alice@example.com", "SIZE=100").
		QuitAfter(QuitAfterMailFrom).
		Run(tr)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := tr.conn.(faker).Client()
	if got != client {
		t.Fatalf("got:\n%s\nwant:\n%s", got, client)
	}
}

func TestBuilderStopsAtGreeting(t *testing.T) {
	tr, client := transactionWithDialog(`< 220 welcome
> EHLO test.example.com
< 250 mx.example.com hi
> QUIT
< 221 bye
`)

	err := NewBuilder().
		Ehlo("test.example.com").
		QuitAfter(QuitAfterGreeting).
		Run(tr)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := tr.conn.(faker).Client()
	if got != client {
		t.Fatalf("got:\n%s\nwant:\n%s", got, client)
	}
}
