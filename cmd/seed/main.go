package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/availability"
	"github.com/hackgods/portal-scheduling/internal/config"
	"github.com/hackgods/portal-scheduling/internal/db"
	"github.com/hackgods/portal-scheduling/internal/logging"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// seeder is implemented by appointment.PgRepository.
type seeder interface {
	InsertDoctor(ctx context.Context, d appointment.Doctor) (*appointment.Doctor, error)
	InsertPatient(ctx context.Context, p appointment.Patient) (*appointment.Patient, error)
	InsertAppointment(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalLog := logging.New("info", true)
		fatalLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, cfg.Dev())
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	hours, err := config.LoadWorkingHours(cfg.WorkingHoursFile)
	if err != nil {
		log.Fatal().Err(err).Msg("working hours")
	}

	faker := gofakeit.New(uint64(getInt("SEED_RANDOM", 0)))
	repo := appointment.NewPgRepository(pool)

	doctors, err := seedDoctors(ctx, repo, faker, getInt("SEED_DOCTORS", 10))
	if err != nil {
		log.Fatal().Err(err).Msg("seed doctors")
	}
	patients, err := seedPatients(ctx, repo, faker, getInt("SEED_PATIENTS", 200))
	if err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	from := time.Now().In(cfg.Location).AddDate(0, 0, 1)
	n, err := seedWeek(ctx, repo, faker, availability.NewEngine(cfg.SlotMinutes), hours, doctors, patients, from, getInt("SEED_DAYS", 7))
	if err != nil {
		log.Fatal().Err(err).Msg("seed appointments")
	}

	log.Info().Int("doctors", len(doctors)).Int("patients", len(patients)).Int("appointments", n).Msg("seed complete")
	printIDs(log, doctors, patients)
}

func seedDoctors(ctx context.Context, repo seeder, faker *gofakeit.Faker, count int) ([]string, error) {
	ids := make([]string, 0, count)
	for i := range count {
		specialty := faker.RandomString(specialties)
		d, err := repo.InsertDoctor(ctx, appointment.Doctor{
			ID:        fmt.Sprintf("doc-%03d", i+1),
			Name:      "Dr. " + faker.Name(),
			Specialty: &specialty,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func seedPatients(ctx context.Context, repo seeder, faker *gofakeit.Faker, count int) ([]string, error) {
	ids := make([]string, 0, count)
	for i := range count {
		email := faker.Email()
		p, err := repo.InsertPatient(ctx, appointment.Patient{
			ID:    fmt.Sprintf("pat-%04d", i+1),
			Name:  faker.Name(),
			Email: &email,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// seedWeek books a random share of each doctor's grid slots over days days
// with a mix of statuses. Grid slots never overlap, so the result contains
// no double bookings.
func seedWeek(ctx context.Context, repo seeder, faker *gofakeit.Faker, engine *availability.Engine, hours *config.WorkingHours,
	doctors, patients []string, from time.Time, days int) (int, error) {
	statuses := []string{
		string(appointment.StatusScheduled),
		string(appointment.StatusScheduled),
		string(appointment.StatusConfirmed),
		string(appointment.StatusPending),
	}
	kinds := []string{string(appointment.KindConsultation), string(appointment.KindFollowup)}

	created := 0
	if len(patients) == 0 {
		return created, nil
	}
	for d := range days {
		date := from.AddDate(0, 0, d)
		for _, doctorID := range doctors {
			slots, err := engine.ListOpenSlots(doctorID, date, hours.For(doctorID, date), nil)
			if err != nil {
				return created, err
			}
			for _, slot := range slots {
				if faker.Number(0, 99) >= 40 {
					continue
				}
				kind := appointment.Kind(faker.RandomString(kinds))
				_, err := repo.InsertAppointment(ctx, appointment.Appointment{
					Title:     kind.Label(),
					Interval:  slot,
					Kind:      kind,
					Status:    appointment.Status(faker.RandomString(statuses)),
					DoctorID:  doctorID,
					PatientID: patients[faker.Number(0, len(patients)-1)],
				})
				if err != nil {
					return created, err
				}
				created++
			}
		}
	}
	return created, nil
}

func printIDs(log zerolog.Logger, doctors, patients []string) {
	if len(doctors) > 0 && len(patients) > 0 {
		log.Info().Str("doctor", doctors[0]).Str("patient", patients[0]).Msg("sample actors for cmd/simulate")
	}
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
