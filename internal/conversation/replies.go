package conversation

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimezone is where the time-of-day greeting is computed.
const DefaultTimezone = "Asia/Jakarta"

const (
	greetingTemplate = "%s, terima kasih telah menghubungi layanan kami. Silakan ketik *hallo* untuk memulai sesi percakapan."

	detailsPrompt = `Halo, terima kasih telah menghubungi layanan kami.

Silakan sampaikan keluhan atau pertanyaan Anda melalui pesan ini. Untuk memudahkan proses tindak lanjut, mohon sertakan informasi berikut:

- Nama pelapor
- Nama perusahaan
- Uraian singkat keluhan atau kebutuhan Anda

Contoh format:
Nama: Budi Santoso
Perusahaan: PT Maju Jaya
Keluhan: Tidak dapat mengakses sistem sejak pukul 08.00 WIB.

Kami akan segera menindaklanjuti laporan Anda. Terima kasih.`

	detailsAck = "✅ Pesan Anda Sudah Kami Terima, Silahkan Ketik */Stop* Untuk Mengakhiri Sesi Ini!"

	noSessionReply = "❌ Tidak ada sesi yang sedang berjalan. Ketik *hallo* untuk memulai."

	fallbackReply = "Maaf, silahkan stop sesi ini terlebih dahulu untuk memulai sesi baru."

	expiryTemplate = "⏳ Sesi telah berakhir karena tidak ada aktivitas selama %s. Silakan ketik *hallo* untuk memulai ulang."
)

var stopReplies = []string{
	"✅ Sesi telah dihentikan. Silakan ketik *hallo* untuk memulai ulang.",
	"✅ Sesi kamu sudah diakhiri. Mau mulai lagi? Ketik *hallo*!",
	"✅ Oke, sesi sudah ditutup. Kalau butuh lagi, cukup ketik *hallo* ya!",
	"✅ Sesi telah berakhir. Aku tunggu kalau kamu mau mulai lagi, ketik *hallo*!",
	"✅ Sesi ditutup. Ayo mulai lagi dengan ketik *hallo*!",
	"✅ Sesi sudah dihentikan. Kalau ada yang perlu ditanya lagi, ketik *hallo*!",
	"✅ Beres! Sesi dihentikan. Ketik *hallo* kalau mau lanjut lagi!",
	"✅ Sesi telah selesai. Aku siap membantu lagi kapan pun! Ketik *hallo* ya!",
	"✅ Sesi diakhiri. Kalau butuh bantuan lagi, cukup ketik *hallo*!",
	"✅ Sesi sudah selesai. Aku standby kalau kamu mau mulai lagi! Ketik *hallo*!",
}

// Salutation returns the Indonesian time-of-day salutation for t in loc.
func Salutation(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	switch hour := t.Hour(); {
	case hour >= 4 && hour < 11:
		return "Selamat pagi"
	case hour >= 11 && hour < 15:
		return "Selamat siang"
	case hour >= 15 && hour < 18:
		return "Selamat sore"
	default:
		return "Selamat malam"
	}
}

// Greeting returns the redirect prompt sent to senders without a session.
func Greeting(t time.Time, loc *time.Location) string {
	return fmt.Sprintf(greetingTemplate, Salutation(t, loc))
}

// ExpiryNotice returns the message sent when a session idles out.
func ExpiryNotice(window time.Duration) string {
	return fmt.Sprintf(expiryTemplate, describeWindow(window))
}

func describeWindow(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d menit", int(d/time.Minute))
	}
	return fmt.Sprintf("%d detik", int(d.Round(time.Second)/time.Second))
}

// SenderNumber strips a messaging domain suffix such as "@s.whatsapp.net".
func SenderNumber(sender string) string {
	if i := strings.IndexByte(sender, '@'); i >= 0 {
		return sender[:i]
	}
	return sender
}
