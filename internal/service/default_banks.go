package service

import "github.com/stemsi/exstem-client/internal/model"

// DefaultBanks is what the development backend serves when Redis holds no
// subjects yet.
func DefaultBanks() []model.QuestionBank {
	return []model.QuestionBank{
		{
			SubjectID: "matematika",
			Name:      "Matematika",
			Questions: []model.BankQuestion{
				{ID: "mtk-1", Prompt: "Hasil dari 12 x 8 adalah ...", Options: []string{"86", "96", "98", "108"}, Correct: 1},
				{ID: "mtk-2", Prompt: "Akar kuadrat dari 169 adalah ...", Options: []string{"11", "12", "13", "14"}, Correct: 2},
				{ID: "mtk-3", Prompt: "Jika 3x + 5 = 20, maka x = ...", Options: []string{"3", "5", "7", "15"}, Correct: 1},
				{ID: "mtk-4", Prompt: "Jumlah sudut dalam segitiga adalah ...", Options: []string{"90", "180", "270", "360"}, Correct: 1},
				{ID: "mtk-5", Prompt: "25% dari 240 adalah ...", Options: []string{"40", "50", "60", "80"}, Correct: 2},
			},
		},
		{
			SubjectID: "informatika",
			Name:      "Informatika",
			Questions: []model.BankQuestion{
				{ID: "inf-1", Prompt: "Satu byte terdiri dari ... bit.", Options: []string{"4", "8", "16", "32"}, Correct: 1},
				{ID: "inf-2", Prompt: "Protokol untuk mengirim halaman web adalah ...", Options: []string{"FTP", "SMTP", "HTTP", "SSH"}, Correct: 2},
				{ID: "inf-3", Prompt: "Bilangan biner 1010 sama dengan desimal ...", Options: []string{"8", "10", "12", "20"}, Correct: 1},
				{ID: "inf-4", Prompt: "Port bawaan HTTPS adalah ...", Options: []string{"80", "443", "8080"}, Correct: 1},
			},
		},
	}
}
